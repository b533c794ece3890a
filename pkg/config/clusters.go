package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
)

// ClusterFile is a provisioning file listing clusters to create.
//
//	clusters:
//	  - clientId: acme
//	    nodes: [https://pe-1.example.com, https://pe-2.example.com]
//	    dataStore:
//	      entity: {dataUrl: ..., signatureUrl: ..., keys: [...]}
//	      policy: {dataUrl: ..., signatureUrl: ..., keys: [...]}
type ClusterFile struct {
	Clusters []contracts.CreateClusterInput `yaml:"clusters"`
}

// LoadClusters reads and checks a provisioning file.
func LoadClusters(path string) ([]contracts.CreateClusterInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load clusters %q: %w", path, err)
	}
	return ParseClusters(data)
}

func ParseClusters(data []byte) ([]contracts.CreateClusterInput, error) {
	var file ClusterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse clusters: %w", err)
	}
	if len(file.Clusters) == 0 {
		return nil, fmt.Errorf("parse clusters: no clusters defined")
	}
	for i, c := range file.Clusters {
		if c.ClientID == "" {
			return nil, fmt.Errorf("parse clusters: cluster %d has no clientId", i)
		}
		if len(c.NodeURLs) == 0 {
			return nil, fmt.Errorf("parse clusters: cluster %q has no nodes", c.ClientID)
		}
	}
	return file.Clusters, nil
}
