package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/jobwatch/internal/config"
	"github.com/yourusername/jobwatch/internal/jobs"
	"github.com/yourusername/jobwatch/internal/queue"
	"github.com/yourusername/jobwatch/internal/session"
)

type operationSubmitter interface {
	Submit(ctx context.Context, op jobs.Operation) (*jobs.Job, error)
}

type trackingService interface {
	Enqueue(ctx context.Context, payload *queue.TaskPayload) (string, error)
	GetRecord(ctx context.Context, jobID string) (*queue.Record, error)
	RequestKill(ctx context.Context, jobID string) (*queue.Record, error)
}

func setupQueue(cfg *config.Config, sess *session.Session, logger *logrus.Entry) (*queue.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	sess.AddCleanup(redisClient.Close)
	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 1440
	}
	store := queue.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)
	return queue.NewManager(cfg, queue.Deps{
		Control:   sess.Control,
		Validator: sess.Validator,
		Plans:     sess.Plans,
		Notifier:  sess.Notifier,
	}, store, logger)
}

type submitRequest struct {
	Operation      jobs.Operation `json:"operation"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	PollSeconds    int            `json:"pollSeconds"`
	TolerateErrors bool           `json:"tolerateErrors"`
	Plan           string         `json:"plan"`
}

func submitJobHandler(submitter operationSubmitter, tracking trackingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "operation を JSON で指定してください。",
			})
			return
		}
		if req.TimeoutSeconds < 0 || req.PollSeconds < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "timeoutSeconds と pollSeconds は0以上で指定してください。",
			})
			return
		}

		job, err := submitter.Submit(c.Request.Context(), req.Operation)
		if err != nil {
			var subErr *jobs.SubmissionError
			if errors.As(err, &subErr) {
				code := subErr.Code
				if code == "" {
					code = "SUBMISSION_FAILED"
				}
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    code,
					"message": subErr.Error(),
				})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{
				"code":    "CONTROL_API_ERROR",
				"message": "ジョブの投入に失敗しました。",
			})
			return
		}

		taskID, err := tracking.Enqueue(c.Request.Context(), &queue.TaskPayload{
			JobID:          job.ID(),
			Type:           job.Type(),
			TimeoutSeconds: req.TimeoutSeconds,
			PollSeconds:    req.PollSeconds,
			TolerateErrors: req.TolerateErrors,
			Plan:           req.Plan,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "ENQUEUE_FAILED",
				"message": "ジョブの追跡を開始できませんでした。",
				"jobId":   job.ID(),
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":  job.ID(),
			"taskId": taskID,
		})
	}
}

func jobStatusHandler(tracking trackingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := tracking.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":         record.JobID,
			"type":          record.Type,
			"status":        record.Status,
			"jobStatus":     record.JobStatus,
			"phase":         record.Phase,
			"percent":       record.Percent,
			"killRequested": record.KillRequested,
			"updatedAt":     record.UpdatedAt,
		}
		if record.DelayReason != "" {
			payload["delayReason"] = record.DelayReason
		}
		if len(record.Phases) > 0 {
			payload["phases"] = record.Phases
		}
		if record.Outcome != nil {
			payload["outcome"] = record.Outcome
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		c.JSON(http.StatusOK, payload)
	}
}

func killJobHandler(tracking trackingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		record, err := tracking.RequestKill(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, queue.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{
				"code":    "KILL_FAILED",
				"message": "ジョブの停止要求に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":         record.JobID,
			"status":        record.Status,
			"jobStatus":     record.JobStatus,
			"killRequested": record.KillRequested,
		})
	}
}
