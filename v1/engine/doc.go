// Package engine wires the mediaset components into one fx application
// from a single YAML configuration.
//
// A minimal configuration:
//
//	logger:
//	  level: info
//	mongo:
//	  uri: mongodb://localhost:27017
//	  database: mediaset
//	events:
//	  backend: redis
//	  redis:
//	    host: localhost
//	    port: 6379
//	export:
//	  connection:
//	    endpoint: localhost:9000
//	    access_key_id: ${MINIO_ACCESS_KEY_ID}
//	    secret_access_key: ${MINIO_SECRET_ACCESS_KEY}
//	    bucket_name: exports
//	    access_bucket_creation: true
//
// Store "memory" replaces MongoDB with the in-memory document store, for
// tests and tooling that must run without a database.
package engine
