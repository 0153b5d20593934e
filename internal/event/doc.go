/*
Package event publishes session lifecycle events.

A Bus has two kinds of consumers. Direct subscribers receive Event values:

	unsubscribe := bus.Subscribe(event.ToolCompleted, func(e event.Event) {
		data := e.Data.(event.ToolCompletedData)
		log.Info().Str("tool", data.Result.Name).Msg("tool finished")
	})
	defer unsubscribe()

Stream consumers read the JSON encoding through watermill's gochannel, one
Raw value per event in publish order:

	events, err := bus.Stream(ctx)
	for raw := range events {
		line, _ := json.Marshal(raw)
		fmt.Println(string(line))
	}

Subscribers called from PublishSync run on the publisher's goroutine and must
not publish themselves.
*/
package event
