// Package config loads the clinicsync agent configuration from
// ~/.config/clinicsync/config.toml. A missing file yields Default().
//
//	api_url = "http://localhost:8000"
//	role = "doctor"
//	user_id = 12
//
//	[reconnect]
//	delay = "1s"
//	max_attempts = 5
package config
