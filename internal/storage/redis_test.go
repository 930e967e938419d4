package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func changePayload(t *testing.T, c Change) string {
	t.Helper()
	b, err := json.Marshal(c)
	require.NoError(t, err)
	return string(b)
}

func TestRedis_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, "")
	ctx := context.TODO()

	mock.ExpectGet("pagecheck:analysisResult").SetVal(`{"verdict":"True"}`)
	val, ok, err := store.Get(ctx, "analysisResult")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"verdict":"True"}`, string(val))

	mock.ExpectGet("pagecheck:analysisResult").RedisNil()
	val, ok, err = store.Get(ctx, "analysisResult")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, val)

	mock.ExpectGet("pagecheck:analysisResult").SetErr(errors.New("redis error"))
	_, _, err = store.Get(ctx, "analysisResult")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis get failure")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_SetPublishesChange(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, "test:")
	ctx := context.TODO()

	value := []byte(`{"error":true,"message":"x"}`)
	mock.ExpectTxPipeline()
	mock.ExpectSet("test:analysisResult", string(value), 0).SetVal("OK")
	mock.ExpectPublish("test:changes", changePayload(t, Change{Area: AreaLocal, Key: "analysisResult", NewValue: value})).SetVal(1)
	mock.ExpectTxPipelineExec()
	assert.NoError(t, store.Set(ctx, "analysisResult", value))

	mock.ExpectTxPipeline()
	mock.ExpectSet("test:analysisResult", "v", 0).SetErr(errors.New("redis error"))
	mock.ExpectPublish("test:changes", changePayload(t, Change{Area: AreaLocal, Key: "analysisResult", NewValue: []byte("v")})).SetVal(0)
	mock.ExpectTxPipelineExec()
	err := store.Set(ctx, "analysisResult", []byte("v"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis set failure")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_RemoveOnlyPublishesWhenKeyExisted(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, "test:")
	ctx := context.TODO()

	mock.ExpectDel("test:analysisResult").SetVal(1)
	mock.ExpectPublish("test:changes", changePayload(t, Change{Area: AreaLocal, Key: "analysisResult", Removed: true})).SetVal(1)
	assert.NoError(t, store.Remove(ctx, "analysisResult"))

	mock.ExpectDel("test:analysisResult").SetVal(0)
	assert.NoError(t, store.Remove(ctx, "analysisResult"))

	mock.ExpectDel("test:analysisResult").SetErr(errors.New("redis error"))
	err := store.Remove(ctx, "analysisResult")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis del failure")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_WriteRightAfterSubscribeIsDelivered(t *testing.T) {
	srv := miniredis.RunT(t)
	store, err := DialRedis(context.Background(), srv.Addr(), "sub:")
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 20; i++ {
		got := make(chan Change, 1)
		stop := store.OnChanged(func(c Change) {
			select {
			case got <- c:
			default:
			}
		})
		value := []byte(fmt.Sprintf(`{"verdict":"v%d"}`, i))
		require.NoError(t, store.Set(context.Background(), "analysisResult", value))
		select {
		case c := <-got:
			assert.Equal(t, "analysisResult", c.Key)
			assert.Equal(t, value, c.NewValue)
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: write after subscribe was not delivered", i)
		}
		stop()
	}

	v, ok, err := store.Get(context.Background(), "analysisResult")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"verdict":"v19"}`, string(v))
}
