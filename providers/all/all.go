// Package all assembles the production connector registry.
package all

import (
	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/providers/aws"
	"github.com/yairfalse/cloudwatcher/providers/azure"
	"github.com/yairfalse/cloudwatcher/providers/digitalocean"
	"github.com/yairfalse/cloudwatcher/providers/gcp"
)

// Default returns a registry with every built-in connector
func Default() *providers.Registry {
	return providers.NewRegistry(
		aws.New(),
		azure.New(),
		gcp.New(),
		digitalocean.New(),
	)
}
