package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func main() {
	redisURL := flag.String("redis", "redis://localhost:6379/0", "Redis URL")
	stream := flag.String("stream", "zpool_events", "Stream the monitor consumes")
	classes := flag.String("classes", "sysevent.fs.zfs.scrub_start,sysevent.fs.zfs.io_failure,ereport.fs.zfs.checksum", "Comma separated event classes to cycle through")
	pool := flag.String("pool", "tank", "Pool name to put in every event")
	count := flag.Int("n", 10, "Number of events to inject")
	rps := flag.Float64("rps", 1, "Events per second")
	asPayload := flag.Bool("payload", false, "Send events as a JSON payload field instead of plain fields")
	flag.Parse()

	if *rps <= 0 || *count <= 0 {
		log.Fatal("-n and -rps must be positive")
	}

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(float64(*count) / *rps * float64(time.Second))+30*time.Second)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 1)
	classList := strings.Split(*classes, ",")

	log.Printf("Injecting %d events into %s at %.2f/s", *count, *stream, *rps)

	var sent, failed int
	for i := 0; i < *count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			log.Printf("stopping early: %v", err)
			break
		}

		fields := map[string]interface{}{
			"class":      strings.TrimSpace(classList[i%len(classList)]),
			"pool":       *pool,
			"eid":        i + 1,
			"timestamp":  time.Now().Format(time.RFC3339Nano),
			"event_uuid": uuid.NewString(),
		}
		values := fields
		if *asPayload {
			payload, err := json.Marshal(fields)
			if err != nil {
				log.Fatalf("failed to marshal event: %v", err)
			}
			values = map[string]interface{}{"payload": payload}
		}

		if err := client.XAdd(ctx, &redis.XAddArgs{Stream: *stream, Values: values}).Err(); err != nil {
			failed++
			log.Printf("XADD failed: %v", err)
			continue
		}
		sent++
	}

	log.Println("Injection finished.")
	log.Printf("Sent: %d", sent)
	log.Printf("Errors: %d", failed)
}
