// Package rabbit carries dataset change events over RabbitMQ.
//
// Events are published with publisher confirms to a durable fanout
// exchange. Each listening process declares its own exclusive queue bound
// to the exchange, so every process sees every event, and invalidates the
// dataset handles cached by its registry. Events published by the
// listening process itself are recognized by their source and skipped.
//
// Basic Usage:
//
//	client, err := rabbit.NewClient(rabbit.Config{
//		Connection: rabbit.Connection{
//			Host:     "localhost",
//			Port:     5672,
//			User:     "guest",
//			Password: "guest",
//		},
//	})
//	if err != nil {
//		return err
//	}
//	go client.RetryConnection()
//	defer client.Close()
//
//	reg := dataset.NewRegistry(store, dataset.RegistryOptions{Publisher: client})
//	go client.Listen(ctx, reg)
//
// Error Handling:
//
// GetErrorCategory and IsRetryableError classify the errors returned by
// Publish, looking through wrapping to the underlying AMQP error.
package rabbit
