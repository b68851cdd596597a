// Package storage provides the bot's persistence layer.
//
// It holds three logical keyed tables plus derived state:
//   - sessions: external chat identity -> linked account + credential
//   - linking codes: one-time tokens for the account-link handshake
//   - preferences + quota: per-account notification settings and the
//     day-bucketed send counter
//   - dedup: fingerprints of upstream events already notified
//
// The sqlite backend is the production store. The memory backend backs
// tests and the "none"-persistence mode.
package storage
