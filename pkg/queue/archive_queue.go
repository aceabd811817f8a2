package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/YahyaQandel/planning-poker/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ErrRoomRequired is returned when a job is enqueued without a room code.
var ErrRoomRequired = errors.New("room code required")

// Job tracks one room export.
type Job struct {
	ID           string    `json:"id"`
	RoomCode     string    `json:"room_code"`
	Status       string    `json:"status"`
	ArchiveKey   string    `json:"archive_key,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Handler exports the room of job and returns the stored archive key.
type Handler func(ctx context.Context, job Job) (string, error)

type Config struct {
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	Logger     *slog.Logger
}

// ArchiveQueue runs room exports through a Redis stream consumer group.
// Job state lives in a hash per job so clients can poll it.
type ArchiveQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	logger       *slog.Logger
	now          func() time.Time

	groupOnce sync.Once
	groupErr  error
}

func NewArchiveQueue(client redis.UniversalClient, cfg Config) (*ArchiveQueue, error) {
	if client == nil {
		return nil, errors.New("queue: redis client required")
	}
	q := &ArchiveQueue{
		client:       client,
		stream:       strings.TrimSpace(cfg.Stream),
		group:        strings.TrimSpace(cfg.Group),
		consumerBase: strings.TrimSpace(cfg.Consumer),
		jobTTL:       cfg.JobTTL,
		maxRetries:   cfg.MaxRetries,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		retryDelay:   cfg.RetryDelay,
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
		logger:       cfg.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if q.stream == "" {
		q.stream = "poker:exports"
	}
	if q.group == "" {
		q.group = "exporters"
	}
	if q.consumerBase == "" {
		q.consumerBase = util.NewID()
	}
	if q.jobTTL <= 0 {
		q.jobTTL = 24 * time.Hour
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 3
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = 30 * time.Second
	}
	if q.retryDelay < 0 {
		q.retryDelay = 0
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.readCount <= 0 {
		q.readCount = 10
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q, nil
}

// Enqueue records a queued job for roomCode and appends it to the stream.
func (q *ArchiveQueue) Enqueue(ctx context.Context, roomCode string) (Job, error) {
	roomCode = util.NormalizeRoomCode(roomCode)
	if roomCode == "" {
		return Job{}, ErrRoomRequired
	}
	if err := q.ensureGroup(ctx); err != nil {
		return Job{}, err
	}
	now := q.now()
	job := Job{
		ID:        util.NewID(),
		RoomCode:  roomCode,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, job.RoomCode)).Err(); err != nil {
		return Job{}, fmt.Errorf("enqueue export: %w", err)
	}
	return job, nil
}

// Job loads the job state; ok is false once it has expired or never existed.
func (q *ArchiveQueue) Job(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Run consumes the stream with concurrency workers until ctx is done.
func (q *ArchiveQueue) Run(ctx context.Context, concurrency int, handle Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		g.Go(func() error {
			q.consume(gctx, consumer, handle)
			return nil
		})
	}
	return g.Wait()
}

func (q *ArchiveQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *ArchiveQueue) consume(ctx context.Context, consumer string, handle Handler) {
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err != nil {
			q.logger.Debug("claim pending exports failed", "consumer", consumer, "err", err)
		} else {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handle)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("read exports failed", "consumer", consumer, "err", err)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handle)
			}
		}
	}
}

func (q *ArchiveQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

func (q *ArchiveQueue) handleMessage(ctx context.Context, msg redis.XMessage, handle Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	roomCode, _ := msg.Values["room_code"].(string)
	if jobID == "" || roomCode == "" {
		q.logger.Warn("dropping malformed export message", "msg_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, roomCode)
	if err != nil {
		q.logger.Error("mark export processing failed", "job_id", jobID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}

	key, err := handle(ctx, job)
	if err == nil {
		job.Status = StatusDone
		job.ArchiveKey = key
		job.ErrorMessage = ""
		q.save(ctx, job)
		q.ackAndDel(ctx, msg.ID)
		return
	}

	job.ErrorMessage = err.Error()
	if job.Attempts >= q.maxRetries {
		job.Status = StatusFailed
		q.save(ctx, job)
		q.logger.Warn("export failed", "job_id", jobID, "room", roomCode, "attempts", job.Attempts, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job.Status = StatusQueued
	q.save(ctx, job)
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	if err := q.requeueAndAck(ctx, msg.ID, jobID, roomCode); err != nil {
		q.logger.Warn("requeue export failed", "job_id", jobID, "err", err)
	}
}

func (q *ArchiveQueue) addArgs(jobID, roomCode string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    jobID,
			"room_code": roomCode,
		},
	}
}

func (q *ArchiveQueue) ackAndDel(ctx context.Context, msgID string) {
	_ = q.client.XAck(ctx, q.stream, q.group, msgID).Err()
	_ = q.client.XDel(ctx, q.stream, msgID).Err()
}

// requeueAndAck moves a failed message to the stream tail. The original stays
// pending when the pipeline fails so XAUTOCLAIM can pick it up later.
func (q *ArchiveQueue) requeueAndAck(ctx context.Context, msgID, jobID, roomCode string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, roomCode))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *ArchiveQueue) markProcessing(ctx context.Context, jobID, roomCode string) (Job, error) {
	job, ok, err := q.Job(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		job = Job{ID: jobID, CreatedAt: q.now()}
	}
	job.RoomCode = roomCode
	job.Attempts++
	job.Status = StatusProcessing
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *ArchiveQueue) save(ctx context.Context, job Job) {
	if err := q.writeStatus(ctx, job); err != nil {
		q.logger.Warn("write export status failed", "job_id", job.ID, "status", job.Status, "err", err)
	}
}

func (q *ArchiveQueue) writeStatus(ctx context.Context, job Job) error {
	job.UpdatedAt = q.now()
	key := q.jobKey(job.ID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"room_code":   job.RoomCode,
		"status":      job.Status,
		"archive_key": job.ArchiveKey,
		"error":       job.ErrorMessage,
		"attempts":    strconv.Itoa(job.Attempts),
		"created_at":  job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *ArchiveQueue) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		RoomCode:     data["room_code"],
		Status:       data["status"],
		ArchiveKey:   data["archive_key"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updated_at"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
