// Package config loads crashrelay configuration.
//
// # Overview
//
// A configuration file is YAML, JSON or CUE. YAML and JSON files are decoded
// over Default so omitted fields keep their defaults. CUE files are unified
// with an embedded schema that carries the same defaults and rejects unknown
// fields. Either way the result is validated with struct tags and can be
// overridden from the environment:
//
//	CRASHRELAY_ENDPOINT   collector URL
//	CRASHRELAY_IKEY       instrumentation key
//	CRASHRELAY_LOG_LEVEL  log level
//
// # Usage Example
//
//	cfg, err := config.Load("crashrelay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	q, err := queue.Open(ctx, backend, cfg.QueueOptions(logger))
//
// A minimal YAML file:
//
//	endpoint: https://collector.example.com/v2/track
//	instrumentation_key: 9f1c
//	storage:
//	  driver: sqlite
//	  path: /var/lib/crashrelay/queue.db
//	transmission:
//	  send_interval: 30s
//	  max_delay: 30m
package config
