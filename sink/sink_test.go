package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ibois-epfl/diffCheck/config"
	"github.com/ibois-epfl/diffCheck/distance"
	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/pipeline"
)

func testComparison(t *testing.T) *pipeline.ComparisonRun {
	t.Helper()
	c := &geometry.PointCloud{Points: []geometry.Point3{{}, {X: 1}}}
	results := &distance.Results{}
	_, err := results.Add(distance.CloudGeometry(c), distance.CloudGeometry(c), []float64{0.1, 0.2})
	require.NoError(t, err)
	return &pipeline.ComparisonRun{RunID: uuid.New(), Results: results}
}

func testReport() *pipeline.Report {
	return &pipeline.Report{
		RunID:    uuid.New(),
		Kind:     pipeline.KindJoints,
		Assembly: "frame",
		Joints: []pipeline.JointResult{
			{ID: 0, State: pipeline.StateDone, Transform: geometry.Identity()},
			{ID: 4, State: pipeline.StateCenterChecked, Sanity: pipeline.SanityNoPoints, Warning: "no scan points matched", Transform: geometry.Identity()},
		},
	}
}

func topics(msgs []MockMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Topic
	}
	return out
}

func TestPublisher_Disabled(t *testing.T) {
	p := NewPublisher(nil, "", nil)
	assert.ErrorIs(t, p.PublishReport(context.Background(), testReport()), ErrNotConnected)

	client := NewMockClient()
	p = NewPublisher(client, "x", nil)
	assert.ErrorIs(t, p.PublishComparison(context.Background(), testComparison(t)), ErrNotConnected)
	assert.Empty(t, client.Published())
}

func TestPublisher_PublishReport(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "shop", zaptest.NewLogger(t).Sugar())

	r := testReport()
	require.NoError(t, p.PublishReport(context.Background(), r))

	id := r.RunID.String()
	msgs := client.Published()
	assert.Equal(t, []string{
		"shop/joints/" + id + "/0",
		"shop/joints/" + id + "/4",
		"shop/reports/" + id,
		"shop/runs/latest",
	}, topics(msgs))
	for _, m := range msgs {
		assert.Equal(t, byte(0), m.QoS)
		assert.True(t, m.Retain)
	}

	var joint pipeline.JointSummary
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &joint))
	assert.Equal(t, 4, joint.ID)
	assert.Equal(t, pipeline.SanityNoPoints, joint.Sanity)

	var latest struct {
		Runs map[string]string `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(msgs[3].Payload, &latest))
	assert.Equal(t, id, latest.Runs["frame"])
	assert.Equal(t, id, p.Latest()["frame"])
}

func TestPublisher_BeamTopicsUseIndex(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "shop", zaptest.NewLogger(t).Sugar())

	r := &pipeline.Report{
		RunID:    uuid.New(),
		Kind:     pipeline.KindBeams,
		Assembly: "frame",
		Beams:    []pipeline.BeamResult{{Name: "post"}, {Name: "post"}, {Name: "rafter/+/#"}},
	}
	require.NoError(t, p.PublishReport(context.Background(), r))

	id := r.RunID.String()
	msgs := client.Published()
	assert.Equal(t, []string{
		"shop/beams/" + id + "/0",
		"shop/beams/" + id + "/1",
		"shop/beams/" + id + "/2",
		"shop/reports/" + id,
		"shop/runs/latest",
	}, topics(msgs))

	var beam pipeline.BeamSummary
	require.NoError(t, json.Unmarshal(msgs[2].Payload, &beam))
	assert.Equal(t, "rafter/+/#", beam.Name)
}

func TestPublisher_PublishComparison(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "", nil)
	p.SetQoS(1)
	p.SetRetain(false)

	run := testComparison(t)
	require.NoError(t, p.PublishComparison(context.Background(), run))
	msgs := client.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "diffcheck/comparisons/"+run.RunID.String(), msgs[0].Topic)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.False(t, msgs[0].Retain)

	var s pipeline.ComparisonSummary
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &s))
	require.Len(t, s.Results, 1)
	assert.Equal(t, 2, s.Results[0].Points)
}

func TestPublisher_PublishError(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))
	p := NewPublisher(client, "", nil)
	err := p.PublishReport(context.Background(), testReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker full")
}

func TestConnect_EmptyBrokerDisables(t *testing.T) {
	assert.Nil(t, Connect(context.Background(), config.MQTTConfig{}, zaptest.NewLogger(t).Sugar()))
}

func TestWebhook_Posts(t *testing.T) {
	received := make(chan envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var env envelope
		assert.NoError(t, json.Unmarshal(body, &env))
		received <- env
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL)
	require.NoError(t, err)
	require.NoError(t, w.PublishReport(context.Background(), testReport()))
	got := <-received
	assert.Equal(t, pipeline.KindJoints, got.Event)
	assert.NotNil(t, got.Data)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, WithBaseBackoff(time.Millisecond), WithMaxRetries(3))
	require.NoError(t, err)
	require.NoError(t, w.PublishComparison(context.Background(), testComparison(t)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, WithBaseBackoff(time.Millisecond), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	err = w.PublishReport(context.Background(), testReport())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "status 400"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_CancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, WithBaseBackoff(time.Hour), WithTimeout(time.Second))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = w.PublishReport(ctx, testReport())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewWebhook_EmptyURL(t *testing.T) {
	_, err := NewWebhook("")
	assert.Error(t, err)
}

type failingSink struct{ calls int }

func (f *failingSink) PublishComparison(context.Context, *pipeline.ComparisonRun) error {
	f.calls++
	return errors.New("comparison down")
}

func (f *failingSink) PublishReport(context.Context, *pipeline.Report) error {
	f.calls++
	return errors.New("report down")
}

func TestMulti_CallsEverySink(t *testing.T) {
	a, b := &failingSink{}, &failingSink{}
	client := NewMockClient()
	client.SetConnected(true)
	m := Multi{a, NewPublisher(client, "", nil), b}

	err := m.PublishReport(context.Background(), testReport())
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.NotEmpty(t, client.Published())
	assert.Equal(t, "report down; report down", err.Error())

	assert.NoError(t, Multi{}.PublishComparison(context.Background(), testComparison(t)))
}
