// Package logx configures qualix's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink (warn+ only, rate limited) for operators
package logx
