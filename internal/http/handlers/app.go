package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"genforge/internal/domain"
	"genforge/internal/infra"
	"genforge/internal/orchestrator"
	"genforge/internal/progress"
)

type App struct {
	Orchestrator *orchestrator.Orchestrator
	Store        domain.JobStore
	Ledger       domain.CreditLedger
	Publisher    *progress.Publisher
	Logger       infra.Logger

	upgrader websocket.Upgrader
}

func NewApp(orc *orchestrator.Orchestrator, store domain.JobStore, ledger domain.CreditLedger, pub *progress.Publisher, logger infra.Logger) *App {
	return &App{
		Orchestrator: orc,
		Store:        store,
		Ledger:       ledger,
		Publisher:    pub,
		Logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}
