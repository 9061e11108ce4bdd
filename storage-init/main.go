package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskhub/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")
	ctx := context.Background()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "taskhub.db"
	}
	store, err := storage.Open(dbPath, log.StandardLogger())
	if err != nil {
		log.Fatalf("migrate %s: %v", dbPath, err)
	}
	defer store.Close()

	if path := os.Getenv("SEED_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		res, err := seed(ctx, store, f)
		_ = f.Close()
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.WithFields(log.Fields{"users": res.Users, "categories": res.Categories}).Info("seed applied")
	}

	if connStr := os.Getenv("STORAGE_CONNECTION_STRING"); connStr != "" {
		if err := createTables(ctx, connStr, []string{os.Getenv("EVENTS_TABLE")}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		if err := createQueues(ctx, connStr, []string{os.Getenv("NOTIFICATION_QUEUE")}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}
