package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"tirescan-service/internal/domain/vehicle"
)

var ErrDetection = errors.New("detection failed")

// Detector classifies an uploaded image. Implementations must return
// ErrDetection-wrapped errors for unusable results so the pipeline can
// report them as stage failures.
type Detector interface {
	DetectLicense(ctx context.Context, imagePath string) (*vehicle.LicenseDetection, error)
	DetectTireBrand(ctx context.Context, imagePath string) (*vehicle.TireDetection, error)
}

const licensePrompt = `This image contains a sticker on a car tire. Get the license plate and car brand from the image. Only return the license plate number and the car brand (not the model). Please return a json with the keys "license_plate" and "car_brand" using double quotes. For example: {"license_plate": "ABC1234", "car_brand": "Toyota"}.`

const tireBrandPrompt = `This image shows the sidewall of a car tire. Identify the tire manufacturer brand printed on it. Please return a json with the key "tire_brand" using double quotes. For example: {"tire_brand": "Michelin"}.`

type OpenAIDetector struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

func NewOpenAIDetector(apiKey, model string, log zerolog.Logger) *OpenAIDetector {
	return &OpenAIDetector{
		client: openai.NewClient(apiKey),
		model:  model,
		log:    log,
	}
}

func (d *OpenAIDetector) DetectLicense(ctx context.Context, imagePath string) (*vehicle.LicenseDetection, error) {
	content, err := d.classify(ctx, imagePath, licensePrompt)
	if err != nil {
		return nil, err
	}

	var result vehicle.LicenseDetection
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		d.log.Error().Err(err).Str("raw", content).Msg("unparseable license detection result")
		return nil, fmt.Errorf("%w: parse result: %v", ErrDetection, err)
	}
	if result.LicensePlate == "" {
		return nil, fmt.Errorf("%w: no license plate in result", ErrDetection)
	}
	if result.CarBrand == "" {
		result.CarBrand = "Unknown"
	}
	return &result, nil
}

func (d *OpenAIDetector) DetectTireBrand(ctx context.Context, imagePath string) (*vehicle.TireDetection, error) {
	content, err := d.classify(ctx, imagePath, tireBrandPrompt)
	if err != nil {
		return nil, err
	}

	var result vehicle.TireDetection
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		d.log.Error().Err(err).Str("raw", content).Msg("unparseable tire brand result")
		return nil, fmt.Errorf("%w: parse result: %v", ErrDetection, err)
	}
	if result.TireBrand == "" {
		result.TireBrand = "Unknown"
	}
	return &result, nil
}

func (d *OpenAIDetector) classify(ctx context.Context, imagePath, prompt string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("%w: read image: %v", ErrDetection, err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     d.model,
		MaxTokens: 300,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: "data:image/jpeg;base64," + encoded,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDetection, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrDetection)
	}
	return cleanModelResponse(resp.Choices[0].Message.Content), nil
}

// cleanModelResponse strips markdown code fences and fixes single-quoted
// JSON the model occasionally returns.
func cleanModelResponse(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.TrimSpace(s)
	if !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	return s
}
