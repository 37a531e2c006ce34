package tools

import (
	"context"
	"errors"

	"github.com/nugget/sidekick/internal/weather"
)

// RegisterWeatherTools registers get_weather and get_forecast.
// defaultLocation is used when the model names no place.
func (r *Registry) RegisterWeatherTools(client *weather.Client, defaultLocation string) error {
	location := func(args map[string]any) (string, error) {
		if loc := stringArg(args, "location"); loc != "" {
			return loc, nil
		}
		if defaultLocation != "" {
			return defaultLocation, nil
		}
		return "", errors.New("location is required; ask the user where they are")
	}
	locationField := map[string]any{
		"type":        "string",
		"description": "City or place name. Omit to use the user's home location.",
	}

	if err := r.Register(&Tool{
		Name:        "get_weather",
		Description: "Get current weather conditions for a place.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"location": locationField},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			loc, err := location(args)
			if err != nil {
				return "", err
			}
			cur, err := client.Current(ctx, loc)
			if err != nil {
				return "", err
			}
			return cur.String(), nil
		},
	}); err != nil {
		return err
	}

	return r.Register(&Tool{
		Name:        "get_forecast",
		Description: "Get the daily weather forecast for a place.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": locationField,
				"days": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     16,
					"description": "Number of days. Default 3.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			loc, err := location(args)
			if err != nil {
				return "", err
			}
			days, ok := intArg(args, "days")
			if !ok {
				days = 3
			}
			f, err := client.Forecast(ctx, loc, days)
			if err != nil {
				return "", err
			}
			return f.String(), nil
		},
	})
}
