package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
	"code.linksmart.eu/dt/serial-bridge/bridge/storage"
	"github.com/cskr/pubsub"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/justinas/alice"
	"github.com/rs/cors"
	"github.com/urfave/negroni"
)

const (
	// query parameter keys and path variables
	_contains = "contains"
	_topics   = "topics"
	_id       = "id"
)

// relayAPI is the part of the relay used by the control API
type relayAPI interface {
	Notify(action string) bool
	Status() model.Status
	Events() *pubsub.PubSub
}

type restAPI struct {
	storage     storage.Storage
	relay       relayAPI
	uiDir       string
	ledKeywords []string
	router      *mux.Router
}

type commandBody struct {
	Command string `json:"command"`
}

func newRESTAPI(s storage.Storage, r relayAPI, uiDir string, ledKeywords []string) *restAPI {
	a := &restAPI{
		storage:     s,
		relay:       r,
		uiDir:       uiDir,
		ledKeywords: ledKeywords,
	}
	a.setupRouter()
	return a
}

func (a *restAPI) handler() http.Handler {
	chain := alice.New(
		recoveryMiddleware,
		loggingMiddleware,
		cors.AllowAll().Handler,
	)
	return chain.Then(a.router)
}

func (a *restAPI) setupRouter() {
	r := mux.NewRouter()

	// events
	r.HandleFunc("/events", a.getEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/leds", a.getLEDEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/debug", a.getEventsDebug).Methods(http.MethodGet)
	r.HandleFunc("/events/add", a.addEvent).Methods(http.MethodPost)
	r.HandleFunc("/events/update/{id}", a.updateEvent).Methods(http.MethodPut)
	r.HandleFunc("/events/delete/{id}", a.deleteEvent).Methods(http.MethodDelete)
	r.HandleFunc("/events/delete", a.clearEvents).Methods(http.MethodPost)
	r.HandleFunc("/events/create", a.createEvents).Methods(http.MethodPost)
	// status
	r.HandleFunc("/status", a.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/events", a.websocket)
	// health
	r.HandleFunc("/health", a.getHealth).Methods(http.MethodGet)

	// static
	ui := http.Dir(a.uiDir)
	r.PathPrefix("/ui").Handler(http.StripPrefix("/ui", http.FileServer(ui)))

	a.router = r
}

func (a *restAPI) getEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.storage.List()
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, "error listing events: ", err)
		return
	}

	if contains := r.URL.Query().Get(_contains); contains != "" {
		events = storage.Filter(events, splitList(contains))
	}
	a.writeEvents(w, events)
}

func (a *restAPI) getLEDEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.storage.List()
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, "error listing events: ", err)
		return
	}
	a.writeEvents(w, storage.Filter(events, a.ledKeywords))
}

func (a *restAPI) writeEvents(w http.ResponseWriter, events []model.Event) {
	b, err := json.Marshal(events)
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, err)
		return
	}
	HTTPResponse(w, http.StatusOK, b)
}

func (a *restAPI) getEventsDebug(w http.ResponseWriter, r *http.Request) {
	events, err := a.storage.List()
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, "error listing events: ", err)
		return
	}

	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%d | %s | %s\n", e.ID, e.Timestamp, e.Command)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(b.String()))
}

func (a *restAPI) addEvent(w http.ResponseWriter, r *http.Request) {
	command, err := decodeCommand(r)
	if err != nil {
		HTTPResponseError(w, http.StatusBadRequest, err)
		return
	}

	err = a.storage.Append(command)
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, "error adding event: ", err)
		return
	}
	a.relay.Notify(model.ActionAdd)

	HTTPResponseSuccess(w, http.StatusOK, "Event added.")
}

func (a *restAPI) updateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)[_id])
	if err != nil {
		HTTPResponseError(w, http.StatusBadRequest, err)
		return
	}
	command, err := decodeCommand(r)
	if err != nil {
		HTTPResponseError(w, http.StatusBadRequest, err)
		return
	}

	found, err := a.storage.Update(id, command)
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, "error updating event: ", err)
		return
	}
	if !found {
		HTTPResponseError(w, http.StatusNotFound, "event ", id, " is not found!")
		return
	}
	a.relay.Notify(model.ActionUpdate)

	HTTPResponseSuccess(w, http.StatusOK, "Event updated.")
}

func (a *restAPI) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)[_id])
	if err != nil {
		HTTPResponseError(w, http.StatusBadRequest, err)
		return
	}

	found, err := a.storage.Remove(id)
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, "error deleting event: ", err)
		return
	}
	if !found {
		HTTPResponseError(w, http.StatusNotFound, "event ", id, " is not found!")
		return
	}
	a.relay.Notify(model.ActionDelete)

	HTTPResponseSuccess(w, http.StatusOK, "Event deleted.")
}

func (a *restAPI) clearEvents(w http.ResponseWriter, r *http.Request) {
	err := a.storage.Clear()
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, "error clearing events: ", err)
		return
	}
	HTTPResponseSuccess(w, http.StatusOK, "Events cleared.")
}

func (a *restAPI) createEvents(w http.ResponseWriter, r *http.Request) {
	err := a.storage.Init()
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, "error creating event log: ", err)
		return
	}
	HTTPResponseSuccess(w, http.StatusOK, "Event log created.")
}

func (a *restAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	b, err := json.Marshal(a.relay.Status())
	if err != nil {
		HTTPResponseError(w, http.StatusInternalServerError, err)
		return
	}
	HTTPResponse(w, http.StatusOK, b)
}

func (a *restAPI) getHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK!"))
}

// websocket streams status events
func (a *restAPI) websocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true }, // allow all origins
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("websocket: upgrade error:", err)
		return
	}
	defer c.Close()

	topics := []string{model.TopicUpstream, model.TopicSubscribers}
	if topicsQuery := r.URL.Query().Get(_topics); topicsQuery != "" {
		topics = splitList(topicsQuery)
	}

	events := a.relay.Events().Sub(topics...)
	defer a.relay.Events().Unsub(events) // publisher should only use the TryPub method to avoid panics

	// detect closure by the client
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case raw, ok := <-events:
			if !ok {
				return
			}
			b, _ := json.Marshal(raw)
			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = c.WriteMessage(websocket.TextMessage, b)
			if err != nil {
				log.Println("websocket: write error:", err)
				return
			}
		case <-closed:
			return
		}
	}
}

func decodeCommand(r *http.Request) (string, error) {
	defer r.Body.Close()

	var body commandBody
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil {
		return "", fmt.Errorf("invalid body: %s", err)
	}
	if strings.TrimSpace(body.Command) == "" {
		return "", fmt.Errorf("command is not set")
	}
	return body.Command, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %s", s)
	}
	return id, nil
}

// HTTPResponseError serializes and writes an error response
// If no message is provided, the status text will be set as the message
func HTTPResponseError(w http.ResponseWriter, code int, message ...interface{}) {
	if len(message) == 0 {
		message = make([]interface{}, 1)
		message[0] = http.StatusText(code)
	}
	log.Println("RESTAPI: Request error:", message)
	body, _ := json.Marshal(&map[string]string{
		"error": fmt.Sprint(message...),
	})
	HTTPResponse(w, code, body)
}

// HTTPResponseSuccess serializes and writes a success response
// If no message is provided, the status text will be set as the message
func HTTPResponseSuccess(w http.ResponseWriter, code int, message ...interface{}) {
	if len(message) == 0 {
		message = make([]interface{}, 1)
		message[0] = http.StatusText(code)
	}
	body, _ := json.Marshal(&map[string]string{
		"message": fmt.Sprint(message...),
	})
	HTTPResponse(w, code, body)
}

// HTTPResponse writes a response
func HTTPResponse(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, err := w.Write(body)
	if err != nil {
		log.Printf("RESTAPI: error writing response: %s", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		nw := negroni.NewResponseWriter(w)
		next.ServeHTTP(nw, r)
		log.Printf("RESTAPI: \"%s %s %s\" %d %d %v\n", r.Method, r.URL.String(), r.Proto, nw.Status(), nw.Size(), time.Since(start))
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("RESTAPI: PANIC: %v\n%s", r, debug.Stack())
				HTTPResponseError(w, http.StatusInternalServerError, r)
			}
		}()
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
