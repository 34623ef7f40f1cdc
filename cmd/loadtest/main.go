// Command loadtest drives a running proxy with concurrent S3 traffic and
// reports throughput and latency. It exercises the exact client path real
// applications use: the AWS SDK signing requests against the proxy-issued
// credentials.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		proxyURL   = flag.String("proxy-url", "http://localhost:8080", "S3 Credential Proxy URL")
		accessKey  = flag.String("access-key", "", "Proxy access key")
		secretKey  = flag.String("secret-key", "", "Proxy secret key")
		region     = flag.String("region", "us-east-1", "Signing region")
		bucket     = flag.String("bucket", "loadtest", "Bucket to exercise")
		workers    = flag.Int("workers", 5, "Number of worker goroutines")
		duration   = flag.Duration("duration", 30*time.Second, "Test duration")
		objectSize = flag.Int64("object-size", 1024*1024, "Object size in bytes (1MB default)")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)

	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if *accessKey == "" || *secretKey == "" {
		fmt.Fprintln(os.Stderr, "access-key and secret-key are required")
		os.Exit(2)
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(*region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(*accessKey, *secretKey, ""),
		),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build AWS config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(*proxyURL)
		o.UsePathStyle = true
	})

	fmt.Println("=== S3 Credential Proxy Load Test ===")
	fmt.Printf("Proxy URL: %s\n", *proxyURL)
	fmt.Printf("Bucket: %s\n", *bucket)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Object Size: %d bytes\n", *objectSize)
	fmt.Println()

	payload := make([]byte, *objectSize)
	if _, err := rand.Read(payload); err != nil {
		logger.WithError(err).Fatal("Failed to build payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		ops      atomic.Int64
		failures atomic.Int64

		mu        sync.Mutex
		latencies []time.Duration
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for n := 0; ctx.Err() == nil; n++ {
				key := fmt.Sprintf("loadtest/w%d/obj-%d", worker, n)
				opStart := time.Now()
				err := runCycle(ctx, client, *bucket, key, payload)
				elapsed := time.Since(opStart)

				if err != nil {
					if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
						return
					}
					failures.Add(1)
					logAPIError(logger, key, err)
					continue
				}

				ops.Add(1)
				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	printResults(ops.Load(), failures.Load(), latencies, elapsed, *objectSize)
	if failures.Load() > 0 {
		os.Exit(1)
	}
}

// runCycle puts, gets and deletes one object, verifying the round trip.
func runCycle(ctx context.Context, client *s3.Client, bucket, key string, payload []byte) error {
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	}); err != nil {
		return fmt.Errorf("put: %w", err)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	var got bytes.Buffer
	_, err = got.ReadFrom(out.Body)
	out.Body.Close()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !bytes.Equal(got.Bytes(), payload) {
		return fmt.Errorf("payload mismatch for %s", key)
	}

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func logAPIError(logger *logrus.Logger, key string, err error) {
	fields := logrus.Fields{"key": key}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		fields["code"] = apiErr.ErrorCode()
	}
	logger.WithFields(fields).WithError(err).Warn("Operation failed")
}

func printResults(ops, failures int64, latencies []time.Duration, elapsed time.Duration, objectSize int64) {
	fmt.Println("--- Results ---")
	fmt.Printf("Cycles: %d (each = PUT + GET + DELETE)\n", ops)
	fmt.Printf("Failures: %d\n", failures)
	fmt.Printf("Elapsed: %v\n", elapsed.Round(time.Millisecond))
	if ops > 0 {
		fmt.Printf("Cycles/sec: %.1f\n", float64(ops)/elapsed.Seconds())
		// PUT and GET each move the payload once.
		mb := float64(ops*2*objectSize) / (1024 * 1024)
		fmt.Printf("Throughput: %.1f MB/s\n", mb/elapsed.Seconds())
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		fmt.Printf("Latency p50: %v\n", latencies[len(latencies)/2].Round(time.Millisecond))
		fmt.Printf("Latency p99: %v\n", latencies[len(latencies)*99/100].Round(time.Millisecond))
	}
}
