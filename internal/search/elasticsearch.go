package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/donations/config"
	"example.com/backstage/services/donations/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultSearchSize = 50
	maxSearchSize     = 500
)

func keyword() map[string]interface{} {
	return map[string]interface{}{"type": "keyword"}
}

// donationMapping keeps identifiers as keywords so filters match exactly
var donationMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":                keyword(),
			"donor_id":          keyword(),
			"campaign_id":       keyword(),
			"amount":            keyword(),
			"amount_value":      map[string]interface{}{"type": "scaled_float", "scaling_factor": 100},
			"currency":          keyword(),
			"donation_type":     keyword(),
			"payment_method":    keyword(),
			"payment_status":    keyword(),
			"transaction_id":    keyword(),
			"is_anonymous":      map[string]interface{}{"type": "boolean"},
			"is_tax_deductible": map[string]interface{}{"type": "boolean"},
			"donated_at":        map[string]interface{}{"type": "date"},
		},
	},
}

// donationDocument is what gets indexed: the public donation shape plus a
// numeric amount for range queries and aggregations
type donationDocument struct {
	models.DonationResponse
	AmountValue float64 `json:"amount_value"`
}

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

func (c *ElasticClient) indexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

// EnsureIndex creates the donation index with its mapping unless it exists
func (c *ElasticClient) EnsureIndex(ctx context.Context) error {
	exists := esapi.IndicesExistsRequest{Index: []string{c.indexName()}}
	res, err := exists.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to check Elasticsearch index")
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(donationMapping)
	if err != nil {
		return errors.Wrap(err, "failed to marshal index mapping")
	}

	create := esapi.IndicesCreateRequest{
		Index: c.indexName(),
		Body:  bytes.NewReader(body),
	}
	res, err = create.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to create Elasticsearch index")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index create")
	}

	log.Info().Str("index", c.indexName()).Msg("Created donation index")
	return nil
}

// IndexDonation indexes a donation in Elasticsearch. The donation id is the
// document id so re-indexing overwrites.
func (c *ElasticClient) IndexDonation(ctx context.Context, donation *models.Donation) error {
	doc := donationDocument{
		DonationResponse: *models.NewDonationResponse(donation),
		AmountValue:      donation.Amount.InexactFloat64(),
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal donation document")
	}

	req := esapi.IndexRequest{
		Index:      c.indexName(),
		DocumentID: doc.ID,
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index")
	}

	log.Debug().Str("donation_id", doc.ID).Msg("Donation indexed")
	return nil
}

// SearchDonations searches for donations matching query
func (c *ElasticClient) SearchDonations(ctx context.Context, query models.DonationSearch) ([]models.DonationResponse, error) {
	queryJSON, err := json.Marshal(BuildQuery(query))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexName()},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(res, "search")
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source donationDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]models.DonationResponse, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		docs = append(docs, hit.Source.DonationResponse)
	}
	return docs, nil
}

// BuildQuery turns search filters into an Elasticsearch bool query, newest
// donations first
func BuildQuery(q models.DonationSearch) map[string]interface{} {
	filters := []interface{}{}
	term := func(field string, value interface{}) {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{field: value},
		})
	}

	if q.CampaignID != 0 {
		term("campaign_id", strconv.FormatUint(uint64(q.CampaignID), 10))
	}
	if q.DonorID != "" {
		term("donor_id", q.DonorID)
	}
	if q.Status != "" {
		term("payment_status", string(q.Status))
	}
	if q.Currency != "" {
		term("currency", q.Currency)
	}
	if q.From != nil || q.To != nil {
		bounds := map[string]interface{}{}
		if q.From != nil {
			bounds["gte"] = q.From.UTC().Format(time.RFC3339)
		}
		if q.To != nil {
			bounds["lte"] = q.To.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"donated_at": bounds},
		})
	}

	size := q.Size
	if size <= 0 {
		size = defaultSearchSize
	}
	if size > maxSearchSize {
		size = maxSearchSize
	}

	return map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
		"sort": []interface{}{
			map[string]interface{}{"donated_at": map[string]string{"order": "desc"}},
		},
	}
}

// Ping checks the cluster is reachable
func (c *ElasticClient) Ping(ctx context.Context) error {
	res, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("Elasticsearch ping returned %s", res.Status())
	}
	return nil
}

func responseError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
