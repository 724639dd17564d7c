package protocol

// envelope is read once to discriminate an incoming frame before unmarshalling
// into its concrete message type.
type envelope struct {
	Type string `json:"type"`
}

type authMessage struct {
	Type                  string `json:"type"`
	ConsentTokenPayload   string `json:"consent_token_payload"`
	ConsentTokenSignature string `json:"consent_token_signature"`
	PatientAgentID        string `json:"patient_agent_id"`
	PatientPublicKey      string `json:"patient_public_key"`
	PatientEndpoint       string `json:"patient_endpoint"`
}

type challengeResponseMessage struct {
	Type        string `json:"type"`
	SignedNonce string `json:"signed_nonce"`
}

type challengeMessage struct {
	Type            string `json:"type"`
	Nonce           string `json:"nonce"`
	ProviderNPI     string `json:"provider_npi"`
	OrganizationNPI string `json:"organization_npi"`
}

type completeMessage struct {
	Type             string `json:"type"`
	RelationshipID   string `json:"relationship_id"`
	ProviderEndpoint string `json:"provider_endpoint"`
	Status           string `json:"status"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wire error codes (§6), distinct from the internal handshake.Code set.
const (
	wireAuthTimeout     = "AUTH_TIMEOUT"
	wireInvalidMessage  = "INVALID_MESSAGE"
	wireConsentFailed   = "CONSENT_FAILED"
	wireServerError     = "SERVER_ERROR"
	wireServerBusy      = "SERVER_BUSY"
	wireCeilingTimeout  = "CEILING_TIMEOUT"
)
