package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"partyquiz/middleware"
	"partyquiz/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRoomService struct {
	mock.Mock
}

func (m *mockRoomService) CreateRoom(ctx context.Context, organizerID string, req *services.CreateRoomRequest) (*services.CreateRoomResponse, error) {
	args := m.Called(ctx, organizerID, req)
	resp, _ := args.Get(0).(*services.CreateRoomResponse)
	return resp, args.Error(1)
}

func (m *mockRoomService) GetRoom(ctx context.Context, pin string) (*services.RoomSnapshot, error) {
	args := m.Called(ctx, pin)
	snap, _ := args.Get(0).(*services.RoomSnapshot)
	return snap, args.Error(1)
}

func newTestRouter(t *testing.T, rooms RoomService) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	verifier := services.NewJWTVerifier("test-secret")
	token, err := verifier.Issue("user-1", services.RoleOrganizer, time.Hour)
	require.NoError(t, err)

	h := NewGameHandler(rooms, zerolog.Nop())
	r := gin.New()
	r.POST("/api/rooms", middleware.AuthMiddleware(verifier, zerolog.Nop()), h.CreateRoom)
	r.GET("/api/rooms/:pin", h.GetRoom)
	return r, token
}

func TestCreateRoomHandler(t *testing.T) {
	type testCase struct {
		name       string
		body       string
		auth       bool
		setup      func(m *mockRoomService)
		wantStatus int
		wantCode   services.ErrorCode
	}

	tests := []testCase{
		{
			name: "created",
			body: `{"gameId":7,"ttlMinutes":30}`,
			auth: true,
			setup: func(m *mockRoomService) {
				m.On("CreateRoom", mock.Anything, "user-1", &services.CreateRoomRequest{GameID: 7, TTLMinutes: 30}).
					Return(&services.CreateRoomResponse{RoomID: "room-1", Pin: "540658", OrganizerParticipantID: "p-1"}, nil)
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing token",
			body:       `{"gameId":7}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   services.CodeUnauthorized,
		},
		{
			name:       "missing game id",
			body:       `{}`,
			auth:       true,
			wantStatus: http.StatusBadRequest,
			wantCode:   services.CodeInvalidPayload,
		},
		{
			name: "someone else's game",
			body: `{"gameId":8}`,
			auth: true,
			setup: func(m *mockRoomService) {
				m.On("CreateRoom", mock.Anything, "user-1", mock.Anything).Return(nil, services.ErrNotOrganizer)
			},
			wantStatus: http.StatusForbidden,
			wantCode:   services.CodeNotOrganizer,
		},
		{
			name: "store down",
			body: `{"gameId":7}`,
			auth: true,
			setup: func(m *mockRoomService) {
				m.On("CreateRoom", mock.Anything, "user-1", mock.Anything).Return(nil, services.ErrUnavailable)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   services.CodeUnavailable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rooms := &mockRoomService{}
			if tc.setup != nil {
				tc.setup(rooms)
			}
			r, token := newTestRouter(t, rooms)

			req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewBufferString(tc.body))
			req.Header.Set("Content-Type", "application/json")
			if tc.auth {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
			if tc.wantCode != "" {
				var body map[string]interface{}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, string(tc.wantCode), body["code"])
			}
			rooms.AssertExpectations(t)
		})
	}
}

func TestGetRoomHandler(t *testing.T) {
	rooms := &mockRoomService{}
	rooms.On("GetRoom", mock.Anything, "540658").Return(&services.RoomSnapshot{Pin: "540658", Status: "WAITING"}, nil)
	rooms.On("GetRoom", mock.Anything, "111111").Return(nil, services.ErrRoomNotFound)
	r, _ := newTestRouter(t, rooms)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms/540658", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var snap services.RoomSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "540658", snap.Pin)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms/111111", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
