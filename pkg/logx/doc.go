// Package logx configures postbot's structured logging.
//
// Logger is a small value type over zerolog:
//   - console output with a short timestamp and file:line caller
//   - optional JSON file sink
//   - optional Telegram sink for warnings, with a minimum level and a rate limit
//
// Service owns the sinks and can be reconfigured at runtime; every Logger
// derived from it follows the new configuration.
package logx
