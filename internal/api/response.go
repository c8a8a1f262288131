package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go/twiml"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime encoding failures
var (
	fallbackErrorResponse []byte
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeTwiML answers a Twilio webhook with 200 and a <Message> carrying ack.
// An empty ack yields an empty <Response/>.
func writeTwiML(w http.ResponseWriter, ack string) {
	var verbs []twiml.Element
	if ack != "" {
		verbs = append(verbs, &twiml.MessagingMessage{Body: ack})
	}
	doc, err := twiml.Messages(verbs)
	if err != nil {
		slog.Error("Server.writeTwiML: failed to render TwiML", "error", err)
		doc = emptyTwiML
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(doc)); err != nil {
		slog.Error("Server.writeTwiML: failed to write response", "error", err)
	}
}
