package domain

// Artifact is one retrieved file in the callback envelope. Data is
// base64-encoded; Format tags the payload encoding for the consumer.
type Artifact struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

// AnalysisArtifacts groups the three artifact classes a finished run
// produces: posterior samples, the fit summary, and diagnostic plots.
type AnalysisArtifacts struct {
	InferenceData Artifact   `json:"inference_data"`
	Plots         []Artifact `json:"plots"`
	Results       Artifact   `json:"results"`
}

// CallbackPayload is the envelope posted to the caller's webhook.
type CallbackPayload struct {
	Status   string             `json:"status"`
	Message  string             `json:"message"`
	Analysis *AnalysisArtifacts `json:"analysis,omitempty"`
}

// FailurePayload builds the envelope for submission failures, expired plot
// runs and other upstream-visible errors.
func FailurePayload(msg string) CallbackPayload {
	if msg == "" {
		msg = "unknown error"
	}
	return CallbackPayload{Status: "failure", Message: msg}
}
