package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
)

func TestRedisService_Check(t *testing.T) {
	mr := miniredis.RunT(t)

	svc := NewRedisService("cache", mr.Addr())

	status, extra := svc.Check(context.Background())
	assert.Equal(t, StatusOK, status)
	assert.Nil(t, extra)
}

func TestRedisService_AuthRequired(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cr3t")

	unauthenticated := NewRedisService("cache", mr.Addr()).WithTimeout(2 * time.Second)
	status, extra := unauthenticated.Check(context.Background())
	assert.Equal(t, StatusFail, status)
	assert.NotEmpty(t, extra["exception"])

	authenticated := NewRedisService("cache", mr.Addr()).WithPassword("s3cr3t")
	status, extra = authenticated.Check(context.Background())
	assert.Equal(t, StatusOK, status)
	assert.Nil(t, extra)
}

func TestRedisService_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	svc := NewRedisService("cache", addr).WithTimeout(time.Second)

	status, extra := svc.Check(context.Background())
	assert.Equal(t, StatusFail, status)
	assert.NotEmpty(t, extra["exception"])
}
