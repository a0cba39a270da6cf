package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dennisdiepolder/monti/omnichannel/internal/auth"
	"github.com/dennisdiepolder/monti/omnichannel/internal/config"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(h *harness) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", NewHandler(h.mgr, zerolog.Nop()).Routes)
	return r
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleRequestRoom(t *testing.T) {
	tests := []struct {
		name       string
		online     bool
		body       map[string]interface{}
		wantStatus int
		wantError  string
	}{
		{
			name:   "served",
			online: true,
			body: map[string]interface{}{
				"visitor": map[string]string{"token": "v-1", "department": "sales"},
				"message": map[string]string{"roomId": "R", "text": "hi"},
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "invalid input",
			online:     true,
			body:       map[string]interface{}{"visitor": map[string]string{}},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid-input",
		},
		{
			name: "nobody online",
			body: map[string]interface{}{
				"visitor": map[string]string{"token": "v-1", "department": "sales"},
				"message": map[string]string{"roomId": "R"},
			},
			wantStatus: http.StatusConflict,
			wantError:  "no-agent-online",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{}, nil)
			if tt.online {
				h.online("agent-1", "sales")
			}

			rec := postJSON(t, newTestRouter(h), "/api/livechat/rooms", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantError != "" {
				var resp map[string]interface{}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantError, resp["error"])
				return
			}

			var room types.Room
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
			require.NotNil(t, room.ServedBy)
			assert.Equal(t, "agent-1", room.ServedBy.AgentID)
		})
	}
}

func TestHandleRequeueAndClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AcceptChatsWithNoAgents: true}, nil)
	router := newTestRouter(h)

	_, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/inquiries/queued?department=sales", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count     int             `json:"count"`
		Inquiries []types.Inquiry `json:"inquiries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	h.online("agent-1", "sales")
	rec = postJSON(t, router, "/api/inquiries/"+inquiry.ID+"/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var room types.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	require.NotNil(t, room.ServedBy)

	rec = postJSON(t, router, "/api/rooms/R/close", map[string]string{"closedBy": "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	assert.False(t, room.Open)

	rec = postJSON(t, router, "/api/rooms/R/unarchive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var unarchived struct {
		Reopened bool       `json:"reopened"`
		Room     types.Room `json:"room"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unarchived))
	assert.True(t, unarchived.Reopened)
	assert.True(t, unarchived.Room.Open)

	rec = postJSON(t, router, "/api/inquiries/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRequestRoomRetry(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")
	router := newTestRouter(h)

	body := map[string]interface{}{
		"visitor": map[string]string{"token": "v-1", "department": "sales"},
		"message": map[string]string{"roomId": "R", "text": "hi"},
	}
	first := postJSON(t, router, "/api/livechat/rooms", body)
	require.Equal(t, http.StatusCreated, first.Code)

	again := postJSON(t, router, "/api/livechat/rooms", body)
	require.Equal(t, http.StatusCreated, again.Code, again.Body.String())
	var room types.Room
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &room))
	assert.Equal(t, "R", room.ID)
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)

	body["visitor"] = map[string]string{"token": "v-2", "department": "sales"}
	rec := postJSON(t, router, "/api/livechat/rooms", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func withClaims(claims *auth.Claims, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), auth.UserContextKey, claims)))
	})
}

func TestHandleTake(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Method: config.RoutingManual}, nil)
	h.online("agent-1", "sales")
	h.online("agent-2", "sales")
	router := newTestRouter(h)

	_, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)
	path := "/api/inquiries/" + inquiry.ID + "/take"

	rec := postJSON(t, router, path, map[string]string{"agentId": "agent-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	agent1 := &auth.Claims{Role: auth.RoleAgent}
	agent1.Subject = "agent-1"
	agent2 := &auth.Claims{Role: auth.RoleAgent, Email: "agent-2"}
	manager := &auth.Claims{Role: auth.RoleManager}

	rec = postJSON(t, withClaims(agent2, router), path, map[string]string{"agentId": "agent-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "agents take only for themselves")

	rec = postJSON(t, withClaims(agent1, router), path, map[string]string{"agentId": "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var room types.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)

	rec = postJSON(t, withClaims(manager, router), path, map[string]string{"agentId": "agent-2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ErrInquiryTaken.Error(), resp["error"])
}
