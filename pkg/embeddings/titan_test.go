package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockInvokeModel mocks the Bedrock API for testing
type MockInvokeModel struct {
	InvokeFunc func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

func (m *MockInvokeModel) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	return m.InvokeFunc(ctx, params, optFns...)
}

func TestTitan_Embed(t *testing.T) {
	mock := &MockInvokeModel{
		InvokeFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
			require.NotNil(t, params.ModelId)
			assert.Equal(t, DefaultModel, *params.ModelId)

			var req titanRequest
			require.NoError(t, json.Unmarshal(params.Body, &req))
			assert.Equal(t, "orders table", req.InputText)
			assert.Equal(t, 256, req.Dimensions)
			assert.True(t, req.Normalize)

			return &bedrockruntime.InvokeModelOutput{
				Body: []byte(`{"embedding":[0.25,-0.5,1],"inputTextTokenCount":3}`),
			}, nil
		},
	}

	titan := NewTitanWithClient(mock, Config{Dimensions: 256, Normalize: true, Logger: hclog.NewNullLogger()})
	vec, err := titan.Embed(context.Background(), "orders table")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)
	assert.Equal(t, DefaultModel, titan.Model())
}

func TestTitan_EmbedTruncatesLongInput(t *testing.T) {
	var got int
	mock := &MockInvokeModel{
		InvokeFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
			var req titanRequest
			require.NoError(t, json.Unmarshal(params.Body, &req))
			got = len(req.InputText)
			return &bedrockruntime.InvokeModelOutput{Body: []byte(`{"embedding":[1]}`)}, nil
		},
	}

	_, err := NewTitanWithClient(mock, Config{}).Embed(context.Background(), strings.Repeat("a", maxInputChars+10))
	require.NoError(t, err)
	assert.Equal(t, maxInputChars, got)
}

func TestTitan_EmbedErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		callErr error
		text    string
	}{
		{name: "empty text", text: ""},
		{name: "invoke failure", text: "x", callErr: errors.New("ThrottlingException")},
		{name: "bad json", text: "x", body: []byte(`{`)},
		{name: "no embedding", text: "x", body: []byte(`{"embedding":[]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockInvokeModel{
				InvokeFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
					if tt.callErr != nil {
						return nil, tt.callErr
					}
					return &bedrockruntime.InvokeModelOutput{Body: tt.body}, nil
				},
			}
			_, err := NewTitanWithClient(mock, Config{}).Embed(context.Background(), tt.text)
			assert.Error(t, err)
		})
	}
}

func TestNewTitanWithStaticCredentials(t *testing.T) {
	titan, err := NewTitan(context.Background(), Config{
		Region:    "eu-west-1",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, titan.Model())
}
