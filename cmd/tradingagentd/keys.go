package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/jgilcrest/tradingagent/keymanager"
	"github.com/jgilcrest/tradingagent/providers"
	"github.com/jgilcrest/tradingagent/providers/anthropic"
	"github.com/jgilcrest/tradingagent/providers/bedrock"
	"github.com/jgilcrest/tradingagent/providers/openai"
	"github.com/jgilcrest/tradingagent/router"
)

// keyConfig is one entry of the key manifest file named by spec.md §6 Key
// configuration: {key_id, credential_ref, model_name, priority_tags,
// rpm_budget, tpm_budget, active}. credential_ref names an environment
// variable holding the actual provider credential, never the secret itself.
type keyConfig struct {
	KeyID         string   `json:"key_id"`
	CredentialRef string   `json:"credential_ref"`
	ModelName     string   `json:"model_name"`
	PriorityTags  []string `json:"priority_tags"`
	RPMBudget     int      `json:"rpm_budget"`
	TPMBudget     int      `json:"tpm_budget"`
	Active        bool     `json:"active"`
}

// loadKeyConfigs reads and parses the key manifest at path.
func loadKeyConfigs(path string) ([]keyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key manifest %s: %w", path, err)
	}
	var configs []keyConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse key manifest %s: %w", path, err)
	}
	return configs, nil
}

// toKeyRecords converts the manifest entries to keymanager.KeyRecord, which
// carries no credential material itself.
func toKeyRecords(configs []keyConfig) []keymanager.KeyRecord {
	records := make([]keymanager.KeyRecord, 0, len(configs))
	for _, c := range configs {
		records = append(records, keymanager.KeyRecord{
			ID:            c.KeyID,
			CredentialRef: c.CredentialRef,
			ModelName:     c.ModelName,
			PriorityTags:  c.PriorityTags,
			RPMBudget:     c.RPMBudget,
			TPMBudget:     c.TPMBudget,
			Active:        c.Active,
		})
	}
	return records
}

// buildModelRoutes constructs one provider adapter per distinct model name
// present in configs and binds it to a router.ModelRoute keyed on that exact
// model name. Every key record sharing a model name is expected to share the
// same underlying provider family and credential; the Router's own keyID
// parameter on Adapter.Invoke is for accounting, not per-key credential
// swapping, so one adapter instance serves every key configured against
// that model.
func buildModelRoutes(configs []keyConfig) ([]router.ModelRoute, error) {
	byModel := map[string]keyConfig{}
	for _, c := range configs {
		if !c.Active {
			continue
		}
		if _, ok := byModel[c.ModelName]; !ok {
			byModel[c.ModelName] = c
		}
	}

	models := make([]string, 0, len(byModel))
	for name := range byModel {
		models = append(models, name)
	}
	sort.Strings(models)

	routes := make([]router.ModelRoute, 0, len(models))
	for _, name := range models {
		c := byModel[name]
		adapter, err := buildAdapter(c)
		if err != nil {
			return nil, fmt.Errorf("build adapter for model %q: %w", name, err)
		}
		routes = append(routes, router.ModelRoute{ModelPrefix: name, Adapter: adapter})
	}
	return routes, nil
}

// buildAdapter resolves c's credential from the environment and constructs
// the provider adapter matching c.ModelName's family. Family is inferred
// from the model name prefix, since the manifest does not carry a separate
// provider field: "claude" names route to Anthropic, "gpt"/"o1"/"o3" names
// to OpenAI, everything else to Bedrock (the catch-all for hosted model
// IDs such as Amazon Titan or Meta Llama that Bedrock fronts).
func buildAdapter(c keyConfig) (providers.Adapter, error) {
	switch {
	case strings.HasPrefix(c.ModelName, "claude"):
		apiKey := os.Getenv(c.CredentialRef)
		if apiKey == "" {
			return nil, fmt.Errorf("credential_ref %q is not set in the environment", c.CredentialRef)
		}
		return anthropic.NewFromAPIKey(apiKey, c.ModelName)
	case strings.HasPrefix(c.ModelName, "gpt") || strings.HasPrefix(c.ModelName, "o1") || strings.HasPrefix(c.ModelName, "o3"):
		apiKey := os.Getenv(c.CredentialRef)
		if apiKey == "" {
			return nil, fmt.Errorf("credential_ref %q is not set in the environment", c.CredentialRef)
		}
		return openai.NewFromAPIKey(apiKey, c.ModelName)
	default:
		return buildBedrockAdapter(c)
	}
}

// buildBedrockAdapter constructs a Bedrock Converse client. Unlike the
// Anthropic and OpenAI adapters, Bedrock authenticates with an AWS access
// key pair plus region rather than a single bearer token, so credential_ref
// here names the prefix shared by three environment variables:
// <ref>_ACCESS_KEY_ID, <ref>_SECRET_ACCESS_KEY, and <ref>_REGION.
func buildBedrockAdapter(c keyConfig) (providers.Adapter, error) {
	accessKeyID := os.Getenv(c.CredentialRef + "_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv(c.CredentialRef + "_SECRET_ACCESS_KEY")
	region := os.Getenv(c.CredentialRef + "_REGION")
	if accessKeyID == "" || secretAccessKey == "" || region == "" {
		return nil, fmt.Errorf("credential_ref %q: %s_ACCESS_KEY_ID, %s_SECRET_ACCESS_KEY and %s_REGION must all be set",
			c.CredentialRef, c.CredentialRef, c.CredentialRef, c.CredentialRef)
	}

	cfg := aws.Config{
		Region: region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey}, nil
		}),
	}
	runtime := bedrockruntime.NewFromConfig(cfg)
	return bedrock.New(runtime, bedrock.Options{DefaultModel: c.ModelName})
}
