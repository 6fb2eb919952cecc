// Package logx configures promosched's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink (min-level + rate limiting) that forwards
//     warnings to an operator chat through an AlertSender
package logx
