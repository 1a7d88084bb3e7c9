// Package elastic implements the document store client on top of the
// Elasticsearch 7 REST API.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/valyala/fastjson"

	"github.com/rangelab/dataset/pkg/dataset/index"
)

// Client implements index.Client against an Elasticsearch cluster.
type Client struct {
	es *elasticsearch.Client

	// pollInterval is the wait between task/EQL status checks.
	pollInterval time.Duration

	// scrollKeepAlive is the scroll context lifetime used by Scan.
	scrollKeepAlive time.Duration
}

var _ index.Client = (*Client)(nil)

// New connects a client to the given Elasticsearch URL.
func New(url string) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: connect %s: %w", url, err)
	}
	return &Client{
		es:              es,
		pollInterval:    500 * time.Millisecond,
		scrollKeepAlive: 5 * time.Minute,
	}, nil
}

// do executes an esapi request and returns the raw response body.
func (c *Client) do(ctx context.Context, req interface {
	Do(ctx context.Context, transport esapi.Transport) (*esapi.Response, error)
}) ([]byte, error) {
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("elastic: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("elastic: read response: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("elastic: %s: %s", res.Status(), bytes.TrimSpace(body))
	}
	return body, nil
}

func encodeBody(body map[string]any) (io.Reader, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("elastic: encode request: %w", err)
	}
	return bytes.NewReader(raw), nil
}

// Search implements index.Client.
func (c *Client) Search(ctx context.Context, indices []string, body map[string]any, opts index.SearchOptions) (*index.SearchResult, error) {
	req := cloneBody(body)
	if opts.Size > 0 {
		req["size"] = opts.Size
	}
	if len(opts.Sort) > 0 {
		req["sort"] = opts.Sort
	}
	if len(opts.Source) > 0 {
		req["_source"] = opts.Source
	}

	reader, err := encodeBody(req)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, &esapi.SearchRequest{
		Index:        indices,
		Body:         reader,
		RequestCache: opts.RequestCache,
	})
	if err != nil {
		return nil, err
	}

	var p fastjson.Parser
	doc, err := p.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("elastic: parse search response: %w", err)
	}
	result := &index.SearchResult{
		Total: doc.GetInt64("hits", "total", "value"),
	}
	for _, hit := range doc.GetArray("hits", "hits") {
		result.Hits = append(result.Hits, parseHit(hit))
	}
	return result, nil
}

// Scan implements index.Client using the scroll API.
func (c *Client) Scan(ctx context.Context, indices []string, body map[string]any, fn func(index.Hit) error) error {
	req := cloneBody(body)
	if _, ok := req["size"]; !ok {
		req["size"] = 1000
	}
	reader, err := encodeBody(req)
	if err != nil {
		return err
	}
	raw, err := c.do(ctx, &esapi.SearchRequest{
		Index:  indices,
		Body:   reader,
		Scroll: c.scrollKeepAlive,
	})
	if err != nil {
		return err
	}

	var p fastjson.Parser
	var scrollID string
	defer func() {
		if scrollID != "" {
			req := &esapi.ClearScrollRequest{ScrollID: []string{scrollID}}
			res, err := req.Do(context.Background(), c.es)
			if err == nil {
				res.Body.Close()
			}
		}
	}()

	for {
		doc, err := p.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("elastic: parse scroll response: %w", err)
		}
		scrollID = string(doc.GetStringBytes("_scroll_id"))

		hits := doc.GetArray("hits", "hits")
		if len(hits) == 0 {
			return nil
		}
		for _, hit := range hits {
			if err := fn(parseHit(hit)); err != nil {
				return err
			}
		}

		raw, err = c.do(ctx, &esapi.ScrollRequest{
			ScrollID: scrollID,
			Scroll:   c.scrollKeepAlive,
		})
		if err != nil {
			return err
		}
	}
}

// UpdateByQuery implements index.Client. The update runs as a
// store-side task which is polled until completion so that consecutive
// rules observe a consistent state.
func (c *Client) UpdateByQuery(ctx context.Context, indices []string, body map[string]any) (int64, error) {
	reader, err := encodeBody(body)
	if err != nil {
		return 0, err
	}
	raw, err := c.do(ctx, &esapi.UpdateByQueryRequest{
		Index:             indices,
		Body:              reader,
		Refresh:           esapi.BoolPtr(true),
		WaitForCompletion: esapi.BoolPtr(false),
	})
	if err != nil {
		return 0, err
	}

	var p fastjson.Parser
	doc, err := p.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("elastic: parse update response: %w", err)
	}
	taskID := string(doc.GetStringBytes("task"))
	if taskID == "" {
		// Small updates may complete inline.
		return doc.GetInt64("updated"), nil
	}

	for {
		raw, err = c.do(ctx, &esapi.TasksGetRequest{TaskID: taskID})
		if err != nil {
			return 0, err
		}
		doc, err = p.ParseBytes(raw)
		if err != nil {
			return 0, fmt.Errorf("elastic: parse task status: %w", err)
		}
		if doc.GetBool("completed") {
			return doc.GetInt64("response", "updated"), nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// DeleteByQuery implements index.Client.
func (c *Client) DeleteByQuery(ctx context.Context, indices []string, body map[string]any) (int64, error) {
	reader, err := encodeBody(body)
	if err != nil {
		return 0, err
	}
	raw, err := c.do(ctx, &esapi.DeleteByQueryRequest{
		Index:   indices,
		Body:    reader,
		Refresh: esapi.BoolPtr(true),
	})
	if err != nil {
		return 0, err
	}
	var p fastjson.Parser
	doc, err := p.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("elastic: parse delete response: %w", err)
	}
	return doc.GetInt64("deleted"), nil
}

// SequenceSearch implements index.Client on top of the async EQL API.
func (c *Client) SequenceSearch(ctx context.Context, indices []string, body map[string]any) (*index.SequenceResult, error) {
	reader, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, &esapi.EqlSearchRequest{
		Index:                    strings.Join(indices, ","),
		Body:                     reader,
		WaitForCompletionTimeout: time.Second,
	})
	if err != nil {
		return nil, err
	}

	var p fastjson.Parser
	doc, err := p.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("elastic: parse sequence response: %w", err)
	}

	searchID := string(doc.GetStringBytes("id"))
	for doc.GetBool("is_running") {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		raw, err = c.do(ctx, &esapi.EqlGetStatusRequest{DocumentID: searchID})
		if err != nil {
			return nil, err
		}
		if doc, err = p.ParseBytes(raw); err != nil {
			return nil, fmt.Errorf("elastic: parse sequence status: %w", err)
		}
	}

	// An async search id means the final result (and its server-side
	// state) must be fetched and released explicitly.
	if searchID != "" {
		raw, err = c.do(ctx, &esapi.EqlGetRequest{DocumentID: searchID})
		if err != nil {
			return nil, err
		}
		if doc, err = p.ParseBytes(raw); err != nil {
			return nil, fmt.Errorf("elastic: parse sequence result: %w", err)
		}
		delReq := &esapi.EqlDeleteRequest{DocumentID: searchID}
		if res, err := delReq.Do(ctx, c.es); err == nil {
			res.Body.Close()
		}
	}

	result := &index.SequenceResult{
		Total: doc.GetInt64("hits", "total", "value"),
	}
	for _, seq := range doc.GetArray("hits", "sequences") {
		var events []index.SequenceEvent
		for _, event := range seq.GetArray("events") {
			events = append(events, index.SequenceEvent{
				Index: string(event.GetStringBytes("_index")),
				ID:    string(event.GetStringBytes("_id")),
			})
		}
		result.Sequences = append(result.Sequences, events)
	}
	return result, nil
}

// PutScript implements index.Client.
func (c *Client) PutScript(ctx context.Context, id, scriptContext string, script map[string]any) error {
	reader, err := encodeBody(script)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, &esapi.PutScriptRequest{
		ScriptID:      id,
		ScriptContext: scriptContext,
		Body:          reader,
	})
	return err
}

// PutMapping implements index.Client.
func (c *Client) PutMapping(ctx context.Context, indices []string, body map[string]any) error {
	reader, err := encodeBody(body)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, &esapi.IndicesPutMappingRequest{
		Index: indices,
		Body:  reader,
	})
	return err
}

// PutIndexTemplate implements index.Client.
func (c *Client) PutIndexTemplate(ctx context.Context, name string, body map[string]any, createOnly bool) error {
	reader, err := encodeBody(body)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, &esapi.IndicesPutIndexTemplateRequest{
		Name:   name,
		Body:   reader,
		Create: esapi.BoolPtr(createOnly),
	})
	return err
}

// PutComponentTemplate implements index.Client.
func (c *Client) PutComponentTemplate(ctx context.Context, name string, body map[string]any, createOnly bool) error {
	reader, err := encodeBody(body)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, &esapi.ClusterPutComponentTemplateRequest{
		Name:   name,
		Body:   reader,
		Create: esapi.BoolPtr(createOnly),
	})
	return err
}

// PutLegacyTemplate implements index.Client.
func (c *Client) PutLegacyTemplate(ctx context.Context, name string, body map[string]any, createOnly bool, order int) error {
	reader, err := encodeBody(body)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, &esapi.IndicesPutTemplateRequest{
		Name:   name,
		Body:   reader,
		Create: esapi.BoolPtr(createOnly),
		Order:  esapi.IntPtr(order),
	})
	return err
}

// PutIngestPipeline implements index.Client.
func (c *Client) PutIngestPipeline(ctx context.Context, id string, body map[string]any) error {
	reader, err := encodeBody(body)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, &esapi.IngestPutPipelineRequest{
		PipelineID: id,
		Body:       reader,
	})
	return err
}

// CompositeScan implements index.Client by paging the composite
// aggregation with its after_key until exhaustion.
func (c *Client) CompositeScan(ctx context.Context, indices []string, agg string, body map[string]any) ([]index.Bucket, error) {
	req := cloneBody(body)
	req["size"] = 0

	var buckets []index.Bucket
	var p fastjson.Parser
	for {
		reader, err := encodeBody(req)
		if err != nil {
			return nil, err
		}
		raw, err := c.do(ctx, &esapi.SearchRequest{
			Index:        indices,
			Body:         reader,
			RequestCache: esapi.BoolPtr(false),
		})
		if err != nil {
			return nil, err
		}
		doc, err := p.ParseBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("elastic: parse aggregation response: %w", err)
		}

		for _, rawBucket := range doc.GetArray("aggregations", agg, "buckets") {
			bucket := index.Bucket{
				Key:      map[string]any{},
				DocCount: rawBucket.GetInt64("doc_count"),
				Metrics:  map[string]float64{},
			}
			if key := rawBucket.GetObject("key"); key != nil {
				key.Visit(func(k []byte, v *fastjson.Value) {
					bucket.Key[string(k)] = jsonValue(v)
				})
			}
			rawBucket.GetObject().Visit(func(k []byte, v *fastjson.Value) {
				name := string(k)
				if name == "key" || name == "doc_count" {
					return
				}
				if v.Exists("value") {
					bucket.Metrics[name] = v.GetFloat64("value")
				}
			})
			buckets = append(buckets, bucket)
		}

		after := doc.Get("aggregations", agg, "after_key")
		if after == nil {
			return buckets, nil
		}
		// Resume the aggregation after the last returned bucket.
		aggs, _ := req["aggs"].(map[string]any)
		aggDef, _ := aggs[agg].(map[string]any)
		composite, _ := aggDef["composite"].(map[string]any)
		if composite == nil {
			return buckets, nil
		}
		composite["after"] = jsonValue(after)
	}
}

func parseHit(hit *fastjson.Value) index.Hit {
	parsed := index.Hit{
		Index: string(hit.GetStringBytes("_index")),
		ID:    string(hit.GetStringBytes("_id")),
	}
	if source := hit.Get("_source"); source != nil {
		if m, ok := jsonValue(source).(map[string]any); ok {
			parsed.Source = m
		}
	}
	return parsed
}

// jsonValue converts a parsed JSON value into plain Go types.
func jsonValue(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeObject:
		out := map[string]any{}
		obj, _ := v.Object()
		if obj != nil {
			obj.Visit(func(k []byte, val *fastjson.Value) {
				out[string(k)] = jsonValue(val)
			})
		}
		return out
	case fastjson.TypeArray:
		arr, _ := v.Array()
		out := make([]any, 0, len(arr))
		for _, val := range arr {
			out = append(out, jsonValue(val))
		}
		return out
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}

func cloneBody(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}
