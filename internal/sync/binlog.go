package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/docstore"
	"offline-sync-service/internal/logger"
)

// BinlogListener follows the MySQL binlog of the document table and reports
// which store documents changed.
type BinlogListener struct {
	cfg       config.DatabaseConnection
	canal     *canal.Canal
	eventChan chan ChangeEvent
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewBinlogListener(cfg config.DatabaseConnection, feed config.ChangeFeedConfig) (*BinlogListener, error) {
	if cfg.Type != "mysql" {
		return nil, fmt.Errorf("change feed requires a mysql document store, got %q", cfg.Type)
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", feed.Host, feed.Port),
		User:     feed.ReplicationUser,
		Password: feed.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: feed.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // binlog only, no initial dump
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", cfg.Database, docstore.Table)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &BinlogListener{
		cfg:       cfg,
		canal:     c,
		eventChan: make(chan ChangeEvent, 1024),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.SetEventHandler(&eventHandler{listener: l})

	return l, nil
}

func (l *BinlogListener) Start() error {
	logger.Log.Info("Starting binlog listener", zap.String("host", l.cfg.Host), zap.String("table", docstore.Table))

	go func() {
		if err := l.canal.Run(); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()

	return nil
}

func (l *BinlogListener) Stop() {
	l.cancel()
	l.canal.Close()
	close(l.eventChan)
	logger.Log.Info("Stopped binlog listener")
}

func (l *BinlogListener) Events() <-chan ChangeEvent {
	return l.eventChan
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if e.Table.Name != docstore.Table {
		return nil
	}

	var eventType EventType
	rows := e.Rows
	switch e.Action {
	case canal.InsertAction:
		eventType = Insert
	case canal.UpdateAction:
		eventType = Update
		// rows come in before/after pairs
		after := make([][]interface{}, 0, len(rows)/2)
		for i := 1; i < len(rows); i += 2 {
			after = append(after, rows[i])
		}
		rows = after
	case canal.DeleteAction:
		eventType = Delete
	default:
		return nil
	}

	idCol := e.Table.FindColumn("id")
	if idCol < 0 {
		return nil
	}

	ts := time.Now()
	if e.Header != nil {
		ts = time.Unix(int64(e.Header.Timestamp), 0)
	}
	pos := h.listener.canal.SyncedPosition()
	for _, row := range rows {
		if idCol >= len(row) {
			continue
		}
		storeName := columnString(row[idCol])
		if storeName == "" {
			continue
		}
		ev := ChangeEvent{
			Type:      eventType,
			Store:     storeName,
			Timestamp: ts,
			Position:  fmt.Sprintf("%s:%d", pos.Name, pos.Pos),
		}

		// Block when the workers fall behind rather than drop changes.
		select {
		case h.listener.eventChan <- ev:
		case <-h.listener.ctx.Done():
			return h.listener.ctx.Err()
		}
	}

	return nil
}

func columnString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func (h *eventHandler) String() string {
	return "DocumentChangeHandler"
}

var _ ChangeSource = (*BinlogListener)(nil)
