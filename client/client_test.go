package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/client"
	"github.com/stevemurr/docmodel/instrument"
)

const apiURL = "http://docmodel.test"

func TestGet(t *testing.T) {
	defer gock.Off()
	gock.New(apiURL).
		Get("/collections/users/items").
		MatchParam("limit", "2").
		MatchHeader("X-Trace", "abc").
		Reply(200).
		JSON(map[string]any{"result": map[string]any{"total": 5}})

	col := instrument.NewCollector()
	c := client.New(client.WithSink(col), client.WithHeader("X-Trace", "abc"))

	var out struct {
		Result struct {
			Total int `json:"total"`
		} `json:"result"`
	}
	err := c.Get(context.Background(), apiURL+"/collections/users/items", map[string]string{"limit": "2"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Result.Total)
	assert.True(t, gock.IsDone())

	recs := col.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, client.TimerType, recs[0].Type)
	assert.Equal(t, "get", recs[0].Name)
	assert.Contains(t, recs[0].Message, "/collections/users/items")
	assert.Nil(t, recs[0].Error)
}

func TestPost(t *testing.T) {
	defer gock.Off()
	gock.New(apiURL).
		Post("/collections/users/items").
		MatchType("json").
		JSON(map[string]any{"name": "Ada"}).
		Reply(201).
		JSON(map[string]any{"result": map[string]any{"id": "u1"}})

	var out map[string]any
	err := client.New().Post(context.Background(), apiURL+"/collections/users/items", map[string]any{"name": "Ada"}, &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "u1"}, out["result"])
}

func TestErrorEnvelope(t *testing.T) {
	defer gock.Off()
	gock.New(apiURL).
		Post("/collections/users/items").
		Reply(409).
		JSON(map[string]any{"error": map[string]any{
			"message": "document already exists",
			"code":    "alreadyExists",
			"entity":  "users",
			"id":      "u1",
		}})

	col := instrument.NewCollector()
	ctx := instrument.WithSink(context.Background(), col)
	err := client.New().Post(ctx, apiURL+"/collections/users/items", map[string]any{"id": "u1"}, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(err))
	assert.Equal(t, "users", apperr.EntityOf(err))

	recs := col.Records()
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Error)
	assert.Equal(t, "alreadyExists", recs[0].Error.Code)
}

func TestErrorWithoutEnvelope(t *testing.T) {
	defer gock.Off()
	gock.New(apiURL).Get("/missing").Reply(404).BodyString("not here")
	gock.New(apiURL).Get("/broken").Reply(500).BodyString("oops")

	c := client.New()
	err := c.Get(context.Background(), apiURL+"/missing", nil, nil)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	err = c.Get(context.Background(), apiURL+"/broken", nil, nil)
	assert.Equal(t, apperr.CodeTransport, apperr.CodeOf(err))
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	err := client.New(client.WithTimeout(20*time.Millisecond)).Get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := client.New().Get(context.Background(), addr, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConnectionRefused, apperr.CodeOf(err))
}

func TestInvalidURL(t *testing.T) {
	err := client.New().Get(context.Background(), "://bad", nil, nil)
	assert.Equal(t, apperr.CodeInvalidData, apperr.CodeOf(err))
}
