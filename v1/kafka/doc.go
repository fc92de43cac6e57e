// Package kafka carries dataset change events over an Apache Kafka topic.
//
// Events are JSON encoded, keyed by dataset name and tagged with their
// type and source in message headers. A client created with Listen set
// consumes the topic in its own consumer group and invalidates the
// dataset handles cached by the local registry.
//
// Basic Usage:
//
//	client, err := kafka.NewClient(kafka.Config{
//		Brokers: []string{"localhost:9092"},
//		Topic:   "mediaset.events",
//		GroupID: "worker-1",
//		Listen:  true,
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	reg := dataset.NewRegistry(store, dataset.RegistryOptions{
//		Publisher: client,
//		Source:    "worker-1",
//	})
//	go client.WithSource("worker-1").Listen(ctx, reg)
//
// Security:
//
// TLS and SASL (PLAIN, SCRAM-SHA-256, SCRAM-SHA-512) are configured through
// Config.TLS and Config.SASL and apply to both the writer and the reader.
package kafka
