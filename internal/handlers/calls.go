package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

const callTTL = 2 * time.Hour

// Call record statuses.
const (
	CallRinging  = "ringing"
	CallAccepted = "accepted"
	CallRejected = "rejected"
	CallEnded    = "ended"
)

var (
	ErrCallNotFound = errors.New("call not found")
	// ErrCallSettled is returned when a response arrives for a call that can
	// no longer take it, such as a second accept.
	ErrCallSettled = errors.New("call already settled")
)

// CallRegistry stores call records in Redis under call:<id>.
type CallRegistry struct {
	rdb *redis.Client
}

func NewCallRegistry(rdb *redis.Client) *CallRegistry {
	return &CallRegistry{rdb: rdb}
}

func callKey(id string) string { return "call:" + id }

// Create stores a new ringing call.
func (r *CallRegistry) Create(ctx context.Context, rec models.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, callKey(rec.ID), data, callTTL).Err(); err != nil {
		return fmt.Errorf("store call %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a call record.
func (r *CallRegistry) Get(ctx context.Context, id string) (*models.CallRecord, error) {
	data, err := r.rdb.Get(ctx, callKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", id, err)
	}

	var rec models.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse call %s: %w", id, err)
	}
	return &rec, nil
}

// Settle applies a participant's response to the record. Accept and reject
// only apply to a ringing call; end applies until the call is over. The
// update is optimistic: a concurrent change to the record fails it with
// ErrCallSettled.
func (r *CallRegistry) Settle(ctx context.Context, id string, status models.CallStatus) (*models.CallRecord, error) {
	var rec models.CallRecord
	key := callKey(id)

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrCallNotFound
		}
		if err != nil {
			return fmt.Errorf("load call %s: %w", id, err)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("parse call %s: %w", id, err)
		}
		if err := apply(&rec, status); err != nil {
			return err
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrCallSettled
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func apply(rec *models.CallRecord, status models.CallStatus) error {
	switch status {
	case models.StatusAccepted:
		if rec.Status != CallRinging {
			return ErrCallSettled
		}
		now := time.Now()
		rec.Status = CallAccepted
		rec.AnsweredAt = &now
	case models.StatusRejected:
		if rec.Status != CallRinging {
			return ErrCallSettled
		}
		rec.Status = CallRejected
	case models.StatusEnded:
		if rec.Status == CallRejected || rec.Status == CallEnded {
			return ErrCallSettled
		}
		rec.Status = CallEnded
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	return nil
}

// GetCall returns a call record to one of its participants (requires authentication)
func GetCall(calls *CallRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		rec, err := calls.Get(c.Request.Context(), c.Param("callId"))
		if errors.Is(err, ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return
		}
		if err != nil {
			log.Printf("Failed to load call: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call"})
			return
		}

		// Hide other people's calls
		if !rec.Has(userID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return
		}

		c.JSON(http.StatusOK, rec)
	}
}
