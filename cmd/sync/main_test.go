package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transportGRPC "pointbrew/internal/transport/grpc"
	transportHTTP "pointbrew/internal/transport/http"
)

func TestNewSubmitter(t *testing.T) {
	s, closeFn, err := newSubmitter("http://localhost:8080", time.Second, func() {})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &transportHTTP.Client{}, s)

	s, closeFn, err = newSubmitter("grpc://localhost:50051", time.Second, func() {})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &transportGRPC.Client{}, s)

	_, _, err = newSubmitter("ftp://ledger", time.Second, func() {})
	assert.Error(t, err)
}
