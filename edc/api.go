package edc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fmspay/edc-simulator/edc/models"
	"github.com/fmspay/edc-simulator/internal/fms"
)

// API is the HTTP surface of the simulator, thin glue over the Service.
type API struct {
	svc *Service
}

func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", a.processTransaction)
		r.Post("/preview", a.previewTransaction)
		r.Get("/", a.listTransactions)
		r.Delete("/", a.clearTransactions)
		r.Get("/{transactionID}", a.getTransaction)
	})
	r.Route("/settings", func(r chi.Router) {
		r.Get("/", a.getSettings)
		r.Put("/", a.updateSettings)
	})
	r.Route("/connection", func(r chi.Router) {
		r.Get("/", a.connectionStatus)
		r.Post("/connect", a.connect)
		r.Post("/disconnect", a.disconnect)
	})
	r.Get("/ports", a.listPorts)
	r.Post("/discover-serial-number", a.discoverSerialNumber)
}

// statusView augments a record with the timestamp the UI shows: the
// terminal's own date and time when present, the dispatch time
// otherwise.
type statusView struct {
	*models.TransactionRecord
	DisplayTimestamp string `json:"displayTimestamp"`
}

func newStatusView(rec *models.TransactionRecord) statusView {
	ts, ok := ResponseTimestamp(rec.Response)
	if !ok {
		ts = rec.Timestamp.Format("2006-01-02 15:04:05")
	}
	return statusView{TransactionRecord: rec, DisplayTimestamp: ts}
}

func (a *API) processTransaction(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.UserID = r.URL.Query().Get("userId")

	rec, err := a.svc.Process(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(newStatusView(rec))
}

func (a *API) previewTransaction(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	preview, err := a.svc.Preview(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"request": preview, "type": "human"})
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	rec, err := a.svc.Status(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(newStatusView(rec))
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	records := a.svc.History(r.URL.Query().Get("userId"))
	views := make([]statusView, 0, len(records))
	for _, rec := range records {
		views = append(views, newStatusView(rec))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func (a *API) clearTransactions(w http.ResponseWriter, r *http.Request) {
	a.svc.ClearHistory(r.URL.Query().Get("userId"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.svc.repo.GetSettings())
}

func (a *API) updateSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.svc.repo.UpdateSettings(updates); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (a *API) connectionStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.svc.ConnectionStatus())
}

func (a *API) connect(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.Connect()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (a *API) disconnect(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.Disconnect()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (a *API) listPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := a.svc.SerialPorts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ports)
}

func (a *API) discoverSerialNumber(w http.ResponseWriter, r *http.Request) {
	serial, err := a.svc.DiscoverSerialNumber(r.Context())
	if err != nil {
		if errors.Is(err, ErrRestDisabled) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success", "workingSerial": serial})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrUnknownType),
		errors.Is(err, fms.ErrInvalidAmount),
		errors.Is(err, fms.ErrInvalidInvoiceLength),
		errors.Is(err, fms.ErrInvalidCardFormat),
		errors.Is(err, fms.ErrInvalidTransactionType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
