// Package model holds the wire shapes stored in the coordination service's
// KV store: node records, the leader record, and the server-id counter.
// Decoding is strict — a record missing a required field is rejected rather
// than partially parsed, so liveness is never derived from malformed data.
package model
