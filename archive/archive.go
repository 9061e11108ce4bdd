// Package archive keeps an out-of-band copy of broadcast traffic in Azure
// Table storage and forwards notifications to an Azure queue.
package archive

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// ArchivedEvent is one recorded broadcast.
type ArchivedEvent struct {
	Group      string       `json:"group"`
	Name       string       `json:"event"`
	Event      domain.Event `json:"payload"`
	RecordedAt time.Time    `json:"recordedAt"`
}

type eventEntity struct {
	aztables.Entity
	Event      string `json:"Event"`
	Payload    string `json:"Payload"`
	RecordedAt int64  `json:"RecordedAt"`
}

// EventArchive stores every broadcast event partitioned by group key. Row
// keys sort newest first.
type EventArchive struct {
	table  *aztables.Client
	logger *log.Logger
	now    func() time.Time
}

func NewEventArchive(table *aztables.Client, logger *log.Logger) *EventArchive {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &EventArchive{table: table, logger: logger, now: time.Now}
}

// NewEventArchiveFromConnectionString builds the archive on the named table.
func NewEventArchiveFromConnectionString(connStr, table string, logger *log.Logger) (*EventArchive, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return NewEventArchive(svc.NewClient(table), logger), nil
}

// Record implements gateway.Recorder.
func (a *EventArchive) Record(ctx context.Context, group string, ev domain.Event) error {
	ent, err := newEventEntity(group, ev, a.now().UTC(), uuid.NewString())
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := a.table.AddEntity(ctx, data, nil); err != nil {
		return fmt.Errorf("archive %s for %s: %w", ev.EventName(), group, err)
	}
	return nil
}

// Recent returns up to limit events of group, newest first.
func (a *EventArchive) Recent(ctx context.Context, group string, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := "PartitionKey eq '" + strings.ReplaceAll(group, "'", "''") + "'"
	top := int32(limit)
	pager := a.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	out := make([]ArchivedEvent, 0, limit)
	for pager.More() && len(out) < limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			ev, err := decodeEventEntity(raw)
			if err != nil {
				a.logger.WithError(err).WithField("group", group).Warn("skipping unreadable archived event")
				continue
			}
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// rowKey orders rows newest first; the suffix keeps keys unique within the
// same nanosecond.
func rowKey(at time.Time, id string) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-at.UnixNano(), id)
}

func newEventEntity(group string, ev domain.Event, at time.Time, id string) (eventEntity, error) {
	payload, err := domain.Encode(ev)
	if err != nil {
		return eventEntity{}, err
	}
	return eventEntity{
		Entity:     aztables.Entity{PartitionKey: group, RowKey: rowKey(at, id)},
		Event:      ev.EventName(),
		Payload:    string(payload),
		RecordedAt: at.UnixMilli(),
	}, nil
}

func decodeEventEntity(data []byte) (ArchivedEvent, error) {
	var ent eventEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return ArchivedEvent{}, err
	}
	ev, err := domain.Decode(ent.Event, []byte(ent.Payload))
	if err != nil {
		return ArchivedEvent{}, err
	}
	return ArchivedEvent{
		Group:      ent.PartitionKey,
		Name:       ent.Event,
		Event:      ev,
		RecordedAt: time.UnixMilli(ent.RecordedAt).UTC(),
	}, nil
}
