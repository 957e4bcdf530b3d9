// Package config loads the scopesync.toml file used by the scopesync
// command.
//
// Every key is optional. Durations are floating-point seconds.
//
//	[listen]
//	address = ":7777"
//	transport = "tcp"         # tcp, ws or quic
//	ws_path = "/ws"
//	tls_cert = ""
//	tls_key = ""
//	self_signed = false
//
//	[admin]
//	address = ":9090"         # empty disables the admin server
//
//	[log]
//	level = "info"
//	format = "text"           # text or json
//
//	[transport]
//	idle_sleep_time = 0.01
//	train_boarding_time = 0.002
//	max_message_size = 1024
//	flush_threshold = 32768
//	send_queue_size = 1024
//	read_buffer_size = 4096
//	read_timeout = 60
//	write_timeout = 10
//
//	[server]
//	handshake_timeout = 10
//	max_connections = 0
//	shutdown_timeout = 10
//
//	[demo]
//	enabled = false
//	tick_rate = 10            # world updates per second
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    errors.PrintError(os.Stderr, err)
//	    os.Exit(1)
//	}
//	srv := server.New(cfg.Server)
package config
