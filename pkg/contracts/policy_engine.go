package contracts

import "time"

// PolicyEngineNode is a remote policy-decision node bound to one client.
type PolicyEngineNode struct {
	ID string `json:"id"`
	// OwnerID is the orchestrator client the node belongs to. Nodes sharing
	// an OwnerID form that client's cluster.
	OwnerID string `json:"ownerId"`
	// ClientID is the node's own identifier for the client; it may differ
	// from OwnerID.
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	PublicKey    string    `json:"publicKey"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DataStoreConfiguration points a node at the signed entity/policy data.
type DataStoreConfiguration struct {
	DataURL      string   `json:"dataUrl" yaml:"dataUrl"`
	SignatureURL string   `json:"signatureUrl" yaml:"signatureUrl"`
	Keys         []string `json:"keys,omitempty" yaml:"keys,omitempty"`
}

type DataStores struct {
	Entity DataStoreConfiguration `json:"entity" yaml:"entity"`
	Policy DataStoreConfiguration `json:"policy" yaml:"policy"`
}

// CreateClientRequest is the body of POST /clients on a node.
type CreateClientRequest struct {
	ClientID  string     `json:"clientId,omitempty"`
	KeyID     string     `json:"keyId,omitempty"`
	DataStore DataStores `json:"dataStore"`
}

// CreateClientResponse is a node's reply to POST /clients.
type CreateClientResponse struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	KeyID        string    `json:"keyId,omitempty"`
	PublicKey    string    `json:"publicKey"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SyncResponse is a node's reply to POST /clients/sync.
type SyncResponse struct {
	Success bool `json:"success"`
}

// CreateClusterInput describes a cluster to provision across nodes.
type CreateClusterInput struct {
	ClientID   string     `json:"clientId" yaml:"clientId"`
	KeyID      string     `json:"keyId,omitempty" yaml:"keyId,omitempty"`
	NodeURLs   []string   `json:"nodes" yaml:"nodes"`
	DataStores DataStores `json:"dataStore" yaml:"dataStore"`
}
