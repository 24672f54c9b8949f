package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/board-api/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")
	ctx := context.Background()

	switch driver := strings.ToLower(os.Getenv("STORAGE_DRIVER")); driver {
	case "", "sqlite":
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "~/.local/share/taskboard/board.db"
		}
		s, err := storage.NewSQLStore(path)
		if err != nil {
			log.Fatalf("migrate sqlite: %v", err)
		}
		_ = s.Close()
		log.WithField("path", path).Info("sqlite schema ready")
	case "aztables":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		if connStr == "" {
			log.Fatal("missing STORAGE_CONNECTION_STRING")
		}
		table := os.Getenv("TASKS_TABLE")
		if table == "" {
			table = "tasks"
		}
		ts, err := storage.NewTableStore(connStr, table)
		if err != nil {
			log.Fatalf("tables client: %v", err)
		}
		if err := ts.EnsureTable(ctx); err != nil {
			log.Fatalf("create table %s: %v", table, err)
		}
		if err := createQueues(ctx, connStr, []string{os.Getenv("LIVE_UPDATES_QUEUE")}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	default:
		log.Fatalf("unsupported STORAGE_DRIVER %q", driver)
	}

	log.Info("storage init complete")
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
		if _, err := q.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
		log.WithField("queue", name).Info("queue ready")
	}
	return nil
}
