// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cancel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, cfg ControllerConfig) *Controller {
	t.Helper()
	c, err := NewController(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestController_FinishWithoutCancel(t *testing.T) {
	c := newController(t, ControllerConfig{})
	tok, err := c.Start(context.Background(), "inv-1", -1)
	require.NoError(t, err)

	assert.Equal(t, StateRunning, tok.State())
	assert.False(t, tok.Cancelled())
	assert.Len(t, c.Status(), 1)

	assert.Equal(t, StateDone, tok.Finish())
	assert.Nil(t, tok.Reason())
	assert.Empty(t, c.Status())

	// Finishing twice keeps the first outcome.
	assert.Equal(t, StateDone, tok.Finish())
}

func TestController_CancelByID(t *testing.T) {
	c := newController(t, ControllerConfig{})
	tok, err := c.Start(context.Background(), "inv-1", -1)
	require.NoError(t, err)

	require.NoError(t, c.Cancel("inv-1", CancelReason{Type: CancelUser, Message: "stop"}))

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("token context not cancelled")
	}
	assert.True(t, tok.Cancelled())
	assert.ErrorIs(t, context.Cause(tok.Context()), context.Canceled)

	reason := tok.Reason()
	require.NotNil(t, reason)
	assert.Equal(t, CancelUser, reason.Type)
	assert.False(t, reason.Timestamp.IsZero())

	// The first reason wins.
	tok.Cancel(CancelReason{Type: CancelShutdown})
	assert.Equal(t, CancelUser, tok.Reason().Type)

	assert.Equal(t, StateCancelled, tok.Finish())
	assert.ErrorIs(t, c.Cancel("inv-1", CancelReason{}), ErrTokenNotFound)
}

func TestController_CancelAfterFinishIsNoop(t *testing.T) {
	c := newController(t, ControllerConfig{})
	tok, err := c.Start(context.Background(), "inv-1", -1)
	require.NoError(t, err)
	tok.Finish()

	tok.Cancel(CancelReason{Type: CancelUser})
	assert.Equal(t, StateDone, tok.State())
	assert.Nil(t, tok.Reason())
}

func TestController_Timeout(t *testing.T) {
	c := newController(t, ControllerConfig{DefaultTimeout: 20 * time.Millisecond})
	tok, err := c.Start(context.Background(), "slow", 0)
	require.NoError(t, err)

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
	assert.Equal(t, CancelTimeout, tok.Reason().Type)
	assert.Equal(t, StateCancelled, tok.Finish())
}

func TestController_ParentCancellation(t *testing.T) {
	c := newController(t, ControllerConfig{})
	parent, cancelParent := context.WithCancel(context.Background())
	tok, err := c.Start(parent, "child", -1)
	require.NoError(t, err)

	cancelParent()
	<-tok.Done()
	assert.True(t, tok.Cancelled())
	assert.Equal(t, CancelParent, tok.Reason().Type)
	assert.Equal(t, StateCancelled, tok.Finish())
}

func TestController_StartErrors(t *testing.T) {
	c := newController(t, ControllerConfig{})

	//nolint:staticcheck // nil context is the case under test
	_, err := c.Start(nil, "x", 0)
	assert.ErrorIs(t, err, ErrNilContext)

	tok, err := c.Start(context.Background(), "x", -1)
	require.NoError(t, err)
	_, err = c.Start(context.Background(), "x", -1)
	assert.ErrorIs(t, err, ErrDuplicateToken)
	tok.Finish()

	// IDs can be reused once released.
	tok, err = c.Start(context.Background(), "x", -1)
	require.NoError(t, err)
	tok.Finish()
}

func TestController_ShutdownWaitsForWork(t *testing.T) {
	c := newController(t, ControllerConfig{GracePeriod: time.Second})
	tok, err := c.Start(context.Background(), "worker", -1)
	require.NoError(t, err)

	go func() {
		<-tok.Done()
		tok.Finish()
	}()

	res, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Cancelled)
	assert.Zero(t, res.Abandoned)
	assert.Equal(t, CancelShutdown, tok.Reason().Type)

	_, err = c.Start(context.Background(), "late", 0)
	assert.ErrorIs(t, err, ErrControllerClosed)

	res, err = c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestController_ShutdownAbandonsStuckWork(t *testing.T) {
	c := newController(t, ControllerConfig{GracePeriod: 20 * time.Millisecond})
	tok, err := c.Start(context.Background(), "stuck", -1)
	require.NoError(t, err)
	defer tok.Finish()

	res, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Abandoned)
}

func TestControllerConfig_Validate(t *testing.T) {
	_, err := NewController(ControllerConfig{DefaultTimeout: -time.Second}, nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrControllerClosed))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "timeout", CancelTimeout.String())
	assert.Equal(t, "unknown", CancelType(99).String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.True(t, StateDone.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
}
