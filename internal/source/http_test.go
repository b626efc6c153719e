package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestSource(t *testing.T, h http.HandlerFunc) *HTTPSource {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return New(srv.URL, quietLogger(), WithToken("tok"), WithRetry(2, time.Millisecond, 2*time.Millisecond))
}

var taskKey = models.NodeKey{EntityType: models.EntityTask, ExternalID: "t 1"}

func TestFetchEntity(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/v1/entities/Task/t%201" {
			t.Errorf("path = %s", r.URL.EscapedPath())
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_, _ = io.WriteString(w, `{"family_id":"F1","version":7,"attributes":{"title":"Dishes"}}`)
	})

	ent, err := s.FetchEntity(context.Background(), taskKey)
	if err != nil {
		t.Fatalf("FetchEntity: %v", err)
	}

	if ent.Key() != taskKey || ent.FamilyID != "F1" || ent.Version != 7 || ent.Attributes["title"] != "Dishes" {
		t.Errorf("entity = %+v", ent)
	}
}

func TestFetchEntity_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	s := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := s.FetchEntity(context.Background(), taskKey)
	if !errors.Is(err, models.ErrEntityNotFound) {
		t.Fatalf("err = %v, want ErrEntityNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchEntity_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	s := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"entity_type":"Task","external_id":"t 1","family_id":"F1","version":2}`)
	})

	if _, err := s.FetchEntity(context.Background(), taskKey); err != nil {
		t.Fatalf("FetchEntity: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestFetchEntity_GivesUpAsUnavailable(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := s.FetchEntity(context.Background(), taskKey)
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestFetchEntity_RejectsMismatchedKey(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"entity_type":"Person","external_id":"p1","family_id":"F1","version":2}`)
	})

	if _, err := s.FetchEntity(context.Background(), taskKey); !errors.Is(err, models.ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestListFamilyEntities(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/families/F1/entities":
			_, _ = io.WriteString(w, `{"entities":[
				{"entity_type":"Person","external_id":"p1","version":1},
				{"entity_type":"Task","external_id":"t1","family_id":"F1","version":2}
			]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ents, err := s.ListFamilyEntities(context.Background(), "F1")
	if err != nil {
		t.Fatalf("ListFamilyEntities: %v", err)
	}
	if len(ents) != 2 || ents[0].FamilyID != "F1" {
		t.Errorf("entities = %+v", ents)
	}

	ents, err = s.ListFamilyEntities(context.Background(), "F2")
	if err != nil || ents == nil || len(ents) != 0 {
		t.Errorf("unknown family = %v, %v", ents, err)
	}

	if _, err := s.ListFamilyEntities(context.Background(), ""); !errors.Is(err, models.ErrMissingFamily) {
		t.Errorf("err = %v, want ErrMissingFamily", err)
	}
}
