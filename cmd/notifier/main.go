package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/schrodylab/schrody/internal/config"
	"github.com/schrodylab/schrody/internal/notify"
	"github.com/schrodylab/schrody/internal/platform"
)

const maxRetries = 5

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	gateway := platform.NewClient(cfg.DiscordBaseURL, cfg.DiscordToken)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := notify.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("notifier started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, workerID, ch, cfg.RabbitQueue, gateway, d)
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("notifier shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, workerID int, ch *amqp.Channel, queue string, gateway platform.Gateway, d amqp.Delivery) {
	var n notify.Notice
	if err := json.Unmarshal(d.Body, &n); err != nil || n.TargetID == "" {
		log.Printf("worker=%d bad notice: %v", workerID, err)
		_ = d.Nack(false, false) // straight to DLQ
		return
	}

	start := time.Now()
	err := dispatch(ctx, gateway, n)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Printf("worker=%d ack failed notice=%s err=%v", workerID, n.ID, err)
		}
		return
	}

	// Target gone or DMs closed: nothing to retry.
	if errors.Is(err, platform.ErrNotFound) || errors.Is(err, platform.ErrForbidden) {
		log.Printf("worker=%d notice=%s undeliverable: %v", workerID, n.ID, err)
		_ = d.Ack(false)
		return
	}

	log.Printf("worker=%d notice=%s failed cost=%s err=%v", workerID, n.ID, time.Since(start), err)
	if deathCount(d) >= maxRetries {
		_ = d.Nack(false, false) // DLQ after repeated failures
		return
	}
	if err := requeue(ctx, ch, queue+".retry", d); err != nil {
		log.Printf("worker=%d requeue failed notice=%s err=%v", workerID, n.ID, err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func dispatch(ctx context.Context, gateway platform.Gateway, n notify.Notice) error {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch n.Kind {
	case notify.KindDM:
		if n.Embed != nil {
			return gateway.SendDMEmbed(cctx, n.TargetID, *n.Embed)
		}
		return gateway.SendDM(cctx, n.TargetID, n.Text)
	case notify.KindThread:
		if n.Embed != nil {
			_, err := gateway.SendEmbed(cctx, n.TargetID, *n.Embed)
			return err
		}
		_, err := gateway.SendMessage(cctx, n.TargetID, n.Text)
		return err
	default:
		return errors.New("unknown notice kind " + string(n.Kind))
	}
}

// deathCount reads how many times this message already cycled through the
// retry queue.
func deathCount(d amqp.Delivery) int {
	deaths, ok := d.Headers["x-death"].([]any)
	if !ok {
		return 0
	}
	total := 0
	for _, raw := range deaths {
		t, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		switch c := t["count"].(type) {
		case int64:
			total += int(c)
		case int32:
			total += int(c)
		case int:
			total += c
		}
	}
	return total
}

func requeue(ctx context.Context, ch *amqp.Channel, retryQueue string, d amqp.Delivery) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(cctx, "", retryQueue, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Headers:      d.Headers,
		Body:         d.Body,
		Timestamp:    time.Now(),
	})
}
