package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/glimte/amqphub"
	"github.com/glimte/amqphub/health"
	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/processor"
)

func newSendCommand(a *app) *cobra.Command {
	var (
		hub          string
		partition    string
		partitionKey string
		idempotent   bool
		properties   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "send [body...]",
		Short: "Send events",
		Long:  "Send each argument as one event. Without arguments, every line read from stdin is sent.",
		RunE: a.run(func(ctx context.Context, client *amqphub.Client, args []string) error {
			var opts []amqphub.SenderOption
			if partition != "" {
				opts = append(opts, amqphub.WithPartition(partition))
			}
			if idempotent {
				opts = append(opts, amqphub.WithIdempotentPublishing())
			}

			sender, err := client.CreateSender(ctx, hub, opts...)
			if err != nil {
				return fmt.Errorf("failed to create sender: %w", err)
			}
			defer sender.Close(context.Background())

			send := func(body string) error {
				msg := &messaging.Message{Body: []byte(body)}
				if len(properties) > 0 {
					msg.ApplicationProperties = make(map[string]any, len(properties))
					for k, v := range properties {
						msg.ApplicationProperties[k] = v
					}
				}
				if partitionKey != "" {
					msg.Annotations = map[string]any{messaging.AnnotationPartitionKey: partitionKey}
				}
				return sender.Send(ctx, msg)
			}

			sent := 0
			if len(args) > 0 {
				for _, body := range args {
					if err := send(body); err != nil {
						return fmt.Errorf("failed to send event %d: %w", sent+1, err)
					}
					sent++
				}
			} else {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					if err := send(scanner.Text()); err != nil {
						return fmt.Errorf("failed to send event %d: %w", sent+1, err)
					}
					sent++
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
			}

			a.logger.Info("events sent", "address", sender.Address(), "count", sent, "linkRebuilds", sender.LinkRebuilds())
			if state, ok := sender.PublishingState(); ok {
				a.logger.Info("publishing state",
					"producerGroupId", state.ProducerGroupID,
					"ownerLevel", state.OwnerLevel,
					"lastSequence", state.LastSequence)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Event hub (defaults to --event-hub)")
	cmd.Flags().StringVarP(&partition, "partition", "p", "", "Send to one partition")
	cmd.Flags().StringVar(&partitionKey, "partition-key", "", "Partition key annotation")
	cmd.Flags().BoolVar(&idempotent, "idempotent", false, "Enable idempotent publishing (requires --partition)")
	cmd.Flags().StringToStringVar(&properties, "property", nil, "Application property key=value")
	return cmd
}

// eventRecord is the JSON line printed for each received event
type eventRecord struct {
	Partition      string            `json:"partition,omitempty"`
	SequenceNumber int64             `json:"sequenceNumber"`
	Offset         string            `json:"offset,omitempty"`
	EnqueuedTime   time.Time         `json:"enqueuedTime"`
	PartitionKey   string            `json:"partitionKey,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	Body           string            `json:"body"`
}

func newEventRecord(partition string, ev *messaging.ReceivedMessage) eventRecord {
	rec := eventRecord{
		Partition:      partition,
		SequenceNumber: ev.SequenceNumber,
		Offset:         ev.Offset,
		EnqueuedTime:   ev.EnqueuedTime,
		PartitionKey:   ev.PartitionKey,
		Body:           string(ev.Body),
	}
	if len(ev.ApplicationProperties) > 0 {
		rec.Properties = make(map[string]string, len(ev.ApplicationProperties))
		for k, v := range ev.ApplicationProperties {
			rec.Properties[k] = fmt.Sprint(v)
		}
	}
	return rec
}

// parseStartPosition accepts earliest, latest, sequence:N, offset:X and an RFC 3339 time
func parseStartPosition(s string) (messaging.StartPosition, error) {
	switch {
	case s == "" || s == "latest":
		return messaging.StartAtLatest(), nil
	case s == "earliest":
		return messaging.StartAtEarliest(), nil
	case strings.HasPrefix(s, "sequence:"):
		seq, err := strconv.ParseInt(strings.TrimPrefix(s, "sequence:"), 10, 64)
		if err != nil {
			return messaging.StartPosition{}, fmt.Errorf("invalid sequence start %q: %w", s, err)
		}
		return messaging.StartAfterSequence(seq), nil
	case strings.HasPrefix(s, "offset:"):
		return messaging.StartAtOffset(strings.TrimPrefix(s, "offset:"), false), nil
	default:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return messaging.StartPosition{}, fmt.Errorf("invalid start position %q", s)
		}
		return messaging.StartAtTime(t), nil
	}
}

func newReceiveCommand(a *app) *cobra.Command {
	var (
		hub           string
		partition     string
		consumerGroup string
		start         string
		count         int
		wait          time.Duration
		prefetch      int32
		peekLock      bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive events from a partition",
		Long:  "Receive events and print them as JSON lines until --count events arrive or the command is interrupted.",
		RunE: a.run(func(ctx context.Context, client *amqphub.Client, args []string) error {
			pos, err := parseStartPosition(start)
			if err != nil {
				return err
			}

			mode := messaging.ReceiveModeReceiveAndDelete
			if peekLock {
				mode = messaging.ReceiveModePeekLock
			}
			opts := []amqphub.ReceiverOption{
				amqphub.WithConsumerGroup(consumerGroup),
				amqphub.WithReceiveMode(mode),
			}
			if prefetch > 0 {
				opts = append(opts, amqphub.WithPrefetch(prefetch))
			}

			receiver, err := client.CreateReceiver(ctx, hub, partition, pos, opts...)
			if err != nil {
				return fmt.Errorf("failed to create receiver: %w", err)
			}
			defer receiver.Close(context.Background())

			enc := json.NewEncoder(os.Stdout)
			received := 0
			for count <= 0 || received < count {
				batchSize := 100
				if count > 0 {
					batchSize = min(batchSize, count-received)
				}

				events, err := receiver.Receive(ctx, batchSize, wait)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					return fmt.Errorf("failed to receive: %w", err)
				}

				for _, ev := range events {
					if err := enc.Encode(newEventRecord(partition, ev)); err != nil {
						return err
					}
					if peekLock {
						if err := receiver.Complete(ctx, ev); err != nil {
							a.logger.Warn("failed to complete event", "sequenceNumber", ev.SequenceNumber, "error", err)
						}
					}
				}
				received += len(events)
			}

			a.logger.Info("receive finished", "address", receiver.Address(), "count", received, "linkRebuilds", receiver.LinkRebuilds())
			return nil
		}),
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Event hub or queue (defaults to --event-hub)")
	cmd.Flags().StringVarP(&partition, "partition", "p", "", "Partition to read; empty reads the entity itself")
	cmd.Flags().StringVarP(&consumerGroup, "consumer-group", "g", "$Default", "Consumer group")
	cmd.Flags().StringVarP(&start, "start", "s", "latest", "Start position: earliest, latest, sequence:N, offset:X or an RFC 3339 time")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many events (0 receives until interrupted)")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "Maximum time to wait for a batch")
	cmd.Flags().Int32Var(&prefetch, "prefetch", 0, "Link credit (0 keeps the transport default)")
	cmd.Flags().BoolVar(&peekLock, "peek-lock", false, "Receive in peek-lock mode and complete every event")
	return cmd
}

func newPeekCommand(a *app) *cobra.Command {
	var (
		queue string
		from  int64
		count int
	)

	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Peek at queued messages without locking them",
		RunE: a.run(func(ctx context.Context, client *amqphub.Client, args []string) error {
			receiver, err := client.CreateReceiver(ctx, queue, "", messaging.StartAtEarliest())
			if err != nil {
				return fmt.Errorf("failed to create receiver: %w", err)
			}
			defer receiver.Close(context.Background())

			msgs, err := receiver.PeekMessages(ctx, count, &from)
			if err != nil {
				return fmt.Errorf("failed to peek: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			for _, msg := range msgs {
				if err := enc.Encode(newEventRecord("", msg)); err != nil {
					return err
				}
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Queue or subscription path (defaults to --event-hub)")
	cmd.Flags().Int64Var(&from, "from", 0, "First sequence number to return")
	cmd.Flags().IntVar(&count, "count", 10, "Maximum number of messages")
	return cmd
}

func newProcessCommand(a *app) *cobra.Command {
	var (
		hub   string
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a load-balanced processor over every partition",
		Long: `Claim a share of the event hub's partitions, shared with every other processor
of the consumer group using the same checkpoint store, and print the events received.`,
		RunE: a.run(func(ctx context.Context, client *amqphub.Client, args []string) error {
			pcfg := a.cfg.Processor

			store, closeStore, err := a.cfg.Checkpoints.OpenStore(ctx)
			if err != nil {
				return fmt.Errorf("failed to open checkpoint store: %w", err)
			}
			defer func() {
				if err := closeStore(); err != nil {
					a.logger.Warn("failed to close checkpoint store", "error", err)
				}
			}()

			options, err := pcfg.Options()
			if err != nil {
				return err
			}
			options = append(options, processor.WithInterceptors(
				processor.NewRecoveryInterceptor(a.logger),
				processor.NewLoggingInterceptor(a.logger),
			))

			var processed atomic.Int64
			enc := json.NewEncoder(os.Stdout)
			handler := func(ctx context.Context, pc processor.PartitionContext, events []*messaging.ReceivedMessage) error {
				processed.Add(int64(len(events)))
				if quiet {
					return nil
				}
				for _, ev := range events {
					if err := enc.Encode(newEventRecord(pc.PartitionID, ev)); err != nil {
						return err
					}
				}
				return nil
			}

			p, err := client.NewProcessor(hub, pcfg.ConsumerGroup, store, handler, nil, options...)
			if err != nil {
				return err
			}

			if hub == "" {
				hub = client.EventHub()
			}
			a.health.Register(health.NewCheckpointStoreChecker(store, processor.ConsumerDetails{
				Namespace:     client.Namespace(),
				EventHub:      hub,
				ConsumerGroup: pcfg.ConsumerGroup,
				ClientID:      p.ClientID(),
			}))

			err = p.Run(ctx)
			a.logger.Info("processor finished", "events", processed.Load())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Event hub (defaults to --event-hub)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print events")
	return cmd
}

func newPropertiesCommand(a *app) *cobra.Command {
	var hub string

	cmd := &cobra.Command{
		Use:   "properties [partition]",
		Short: "Show event hub or partition runtime properties",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.run(func(ctx context.Context, client *amqphub.Client, args []string) error {
			var props any
			var err error
			if len(args) == 1 {
				props, err = client.GetPartitionProperties(ctx, hub, args[0])
			} else {
				props, err = client.GetEventHubProperties(ctx, hub)
			}
			if err != nil {
				return fmt.Errorf("failed to read properties: %w", err)
			}

			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(props); err != nil {
				return err
			}
			return enc.Close()
		}),
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Event hub (defaults to --event-hub)")
	return cmd
}
