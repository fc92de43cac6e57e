// Package redis carries dataset change events over Redis pub/sub.
//
// Each process publishes the events of its own dataset registry on one
// channel and listens on the same channel to invalidate the dataset
// handles it has cached. Events published by the listening process itself
// are recognized by their source and skipped.
//
// Basic Usage:
//
//	client, err := redis.NewClient(redis.Config{Host: "localhost", Port: 6379})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	reg := dataset.NewRegistry(store, dataset.RegistryOptions{
//		Publisher: client,
//		Source:    "worker-1",
//	})
//
//	go client.WithSource("worker-1").Listen(ctx, reg)
//
// With fx, provide a redis.Config and an events.Invalidator; the module
// starts the listener on application start and stops it on shutdown.
package redis
