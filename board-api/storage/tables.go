package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/aryabyte21/taskboard/domain"
)

// boardPartition is the single partition holding every task of the board.
const boardPartition = "board"

const edmInt64 = "Edm.Int64"

// TableStore keeps tasks in an Azure Storage table.
type TableStore struct {
	table *aztables.Client
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, tasksTable string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{table: svc.NewClient(tasksTable)}, nil
}

// EnsureTable creates the table when it does not exist yet.
func (s *TableStore) EnsureTable(ctx context.Context) error {
	_, err := s.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
	}
	return err
}

type taskEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Status        string `json:"Status"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

func entityFromTask(t domain.Task) taskEntity {
	return taskEntity{
		PartitionKey:  boardPartition,
		RowKey:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
	}
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		Status:      domain.Status(e.Status),
		CreatedAt:   time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, e.UpdatedAt).UTC(),
	}
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return ent.task(), nil
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// ListTasks retrieves all tasks, newest first.
func (s *TableStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + boardPartition + "'"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *TableStore) getEntity(ctx context.Context, id string) (domain.Task, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Task{}, "", domain.ErrNotFound
		}
		return domain.Task{}, "", err
	}
	t, err := decodeTaskEntity(resp.Value)
	return t, resp.ETag, err
}

// GetTask loads a single task.
func (s *TableStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, _, err := s.getEntity(ctx, id)
	return t, err
}

// CreateTask inserts a new task built from a validated input.
func (s *TableStore) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	t := newTask(in)
	payload, err := json.Marshal(entityFromTask(t))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask merges in into the stored task using optimistic concurrency,
// reloading and retrying when another writer got there first.
func (s *TableStore) UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	for {
		cur, etag, err := s.getEntity(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		t := touch(cur, in)
		payload, err := json.Marshal(entityFromTask(t))
		if err != nil {
			return domain.Task{}, err
		}
		_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err == nil {
			return t, nil
		}
		switch {
		case isStatus(err, http.StatusPreconditionFailed):
			continue
		case isStatus(err, http.StatusNotFound):
			return domain.Task{}, domain.ErrNotFound
		default:
			return domain.Task{}, err
		}
	}
}

// DeleteTask removes a task.
func (s *TableStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.table.DeleteEntity(ctx, boardPartition, id, nil)
	if isStatus(err, http.StatusNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// Ping reads at most one entity to check the table is reachable.
func (s *TableStore) Ping(ctx context.Context) error {
	top := int32(1)
	filter := "PartitionKey eq '" + boardPartition + "'"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	_, err := pager.NextPage(ctx)
	return err
}

func (s *TableStore) Close() error { return nil }
