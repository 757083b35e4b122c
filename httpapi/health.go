package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const probeTimeout = 2 * time.Second

// HealthChecker probes the three external collaborators.
type HealthChecker struct {
	rdb    *redis.Client
	mongo  *mongo.Client
	broker *amqp.Connection
}

// NewHealthChecker creates a HealthChecker. Any probe may be nil when the
// process does not hold that collaborator.
func NewHealthChecker(rdb *redis.Client, mc *mongo.Client, broker *amqp.Connection) *HealthChecker {
	return &HealthChecker{rdb: rdb, mongo: mc, broker: broker}
}

// probe returns per-collaborator status and overall health.
func (h *HealthChecker) probe(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	statuses := make(map[string]string)
	healthy := true
	mark := func(name string, err error) {
		if err != nil {
			statuses[name] = "unhealthy: " + err.Error()
			healthy = false
			return
		}
		statuses[name] = "healthy"
	}

	if h.rdb != nil {
		mark("redis", h.rdb.Ping(ctx).Err())
	}
	if h.mongo != nil {
		mark("mongodb", h.mongo.Ping(ctx, readpref.Primary()))
	}
	if h.broker != nil {
		if h.broker.IsClosed() {
			statuses["rabbitmq"] = "unhealthy: connection closed"
			healthy = false
		} else {
			statuses["rabbitmq"] = "healthy"
		}
	}
	return statuses, healthy
}

func (s *Server) handleHealth(c *gin.Context) {
	_, healthy := s.health.probe(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": healthState(healthy)})
}

func (s *Server) handleHealthDetailed(c *gin.Context) {
	statuses, healthy := s.health.probe(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":     healthState(healthy),
		"components": statuses,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	_, healthy := s.health.probe(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

func healthState(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
