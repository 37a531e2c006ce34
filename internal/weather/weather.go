// Package weather answers current-conditions and forecast questions
// from the Open-Meteo APIs, which need no API key.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/sidekick/internal/httpkit"
)

// Default Open-Meteo endpoints.
const (
	DefaultForecastURL  = "https://api.open-meteo.com"
	DefaultGeocodingURL = "https://geocoding-api.open-meteo.com"
)

// ErrLocationNotFound is returned when geocoding finds no match.
var ErrLocationNotFound = errors.New("location not found")

// codeDescriptions maps WMO weather codes to text.
var codeDescriptions = map[int]string{
	0: "Clear sky", 1: "Mainly clear", 2: "Partly cloudy", 3: "Overcast",
	45: "Fog", 48: "Depositing rime fog",
	51: "Light drizzle", 53: "Moderate drizzle", 55: "Dense drizzle",
	56: "Light freezing drizzle", 57: "Dense freezing drizzle",
	61: "Slight rain", 63: "Moderate rain", 65: "Heavy rain",
	66: "Light freezing rain", 67: "Heavy freezing rain",
	71: "Slight snow", 73: "Moderate snow", 75: "Heavy snow",
	77: "Snow grains", 80: "Slight rain showers", 81: "Moderate rain showers",
	82: "Violent rain showers", 85: "Slight snow showers", 86: "Heavy snow showers",
	95: "Thunderstorm", 96: "Thunderstorm with slight hail", 99: "Thunderstorm with heavy hail",
}

// Describe returns the text for a WMO weather code.
func Describe(code int) string {
	if d, ok := codeDescriptions[code]; ok {
		return d
	}
	return "Unknown"
}

// Place is a geocoded location.
type Place struct {
	Name      string
	Country   string
	Latitude  float64
	Longitude float64
}

func (p Place) String() string {
	if p.Country == "" {
		return p.Name
	}
	return p.Name + ", " + p.Country
}

// Current holds present conditions.
type Current struct {
	Place       Place
	Description string
	Temperature float64
	FeelsLike   float64
	Humidity    float64
	WindSpeed   float64
	TempUnit    string
	WindUnit    string
}

// Day is one forecast day.
type Day struct {
	Date          string
	Description   string
	High          float64
	Low           float64
	Precipitation float64 // mm or inch
	PrecipChance  float64 // percent
}

// Forecast is a multi-day forecast.
type Forecast struct {
	Place    Place
	Days     []Day
	TempUnit string
}

// Client talks to Open-Meteo.
type Client struct {
	forecastURL  string
	geocodingURL string
	imperial     bool
	httpClient   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoints overrides the forecast and geocoding base URLs.
func WithEndpoints(forecastURL, geocodingURL string) Option {
	return func(c *Client) {
		c.forecastURL = strings.TrimSuffix(forecastURL, "/")
		c.geocodingURL = strings.TrimSuffix(geocodingURL, "/")
	}
}

// WithImperial reports temperatures in Fahrenheit and wind in mph.
func WithImperial() Option {
	return func(c *Client) { c.imperial = true }
}

// NewClient creates an Open-Meteo client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		forecastURL:  DefaultForecastURL,
		geocodingURL: DefaultGeocodingURL,
		httpClient:   httpkit.NewClient(httpkit.WithTimeout(10*time.Second), httpkit.WithRetry(1, time.Second)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Geocode resolves a place name to coordinates.
func (c *Client) Geocode(ctx context.Context, name string) (Place, error) {
	params := url.Values{"name": {name}, "count": {"1"}, "format": {"json"}}
	var result struct {
		Results []struct {
			Name      string  `json:"name"`
			Country   string  `json:"country"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := c.get(ctx, c.geocodingURL+"/v1/search?"+params.Encode(), &result); err != nil {
		return Place{}, fmt.Errorf("geocode %q: %w", name, err)
	}
	if len(result.Results) == 0 {
		return Place{}, fmt.Errorf("%w: %q", ErrLocationNotFound, name)
	}
	r := result.Results[0]
	return Place{Name: r.Name, Country: r.Country, Latitude: r.Latitude, Longitude: r.Longitude}, nil
}

// Current returns present conditions at place.
func (c *Client) Current(ctx context.Context, place string) (*Current, error) {
	p, err := c.Geocode(ctx, place)
	if err != nil {
		return nil, err
	}
	params := c.baseParams(p)
	params.Set("current", "temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m,apparent_temperature")

	var result struct {
		Current struct {
			Temperature  float64 `json:"temperature_2m"`
			Humidity     float64 `json:"relative_humidity_2m"`
			WeatherCode  int     `json:"weather_code"`
			WindSpeed    float64 `json:"wind_speed_10m"`
			ApparentTemp float64 `json:"apparent_temperature"`
		} `json:"current"`
		CurrentUnits struct {
			Temperature string `json:"temperature_2m"`
			WindSpeed   string `json:"wind_speed_10m"`
		} `json:"current_units"`
	}
	if err := c.get(ctx, c.forecastURL+"/v1/forecast?"+params.Encode(), &result); err != nil {
		return nil, fmt.Errorf("current weather: %w", err)
	}
	return &Current{
		Place:       p,
		Description: Describe(result.Current.WeatherCode),
		Temperature: result.Current.Temperature,
		FeelsLike:   result.Current.ApparentTemp,
		Humidity:    result.Current.Humidity,
		WindSpeed:   result.Current.WindSpeed,
		TempUnit:    result.CurrentUnits.Temperature,
		WindUnit:    result.CurrentUnits.WindSpeed,
	}, nil
}

// Forecast returns a daily forecast for 1 to 16 days.
func (c *Client) Forecast(ctx context.Context, place string, days int) (*Forecast, error) {
	days = max(1, min(days, 16))
	p, err := c.Geocode(ctx, place)
	if err != nil {
		return nil, err
	}
	params := c.baseParams(p)
	params.Set("daily", "weather_code,temperature_2m_max,temperature_2m_min,precipitation_sum,precipitation_probability_max")
	params.Set("forecast_days", strconv.Itoa(days))

	var result struct {
		Daily struct {
			Time        []string   `json:"time"`
			WeatherCode []int      `json:"weather_code"`
			TempMax     []float64  `json:"temperature_2m_max"`
			TempMin     []float64  `json:"temperature_2m_min"`
			Precip      []float64  `json:"precipitation_sum"`
			PrecipProb  []*float64 `json:"precipitation_probability_max"`
		} `json:"daily"`
		DailyUnits struct {
			TempMax string `json:"temperature_2m_max"`
		} `json:"daily_units"`
	}
	if err := c.get(ctx, c.forecastURL+"/v1/forecast?"+params.Encode(), &result); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}

	d := result.Daily
	n := len(d.Time)
	if len(d.WeatherCode) < n || len(d.TempMax) < n || len(d.TempMin) < n || len(d.Precip) < n {
		return nil, errors.New("forecast: inconsistent daily series")
	}
	f := &Forecast{Place: p, TempUnit: result.DailyUnits.TempMax}
	for i := range n {
		day := Day{
			Date:          d.Time[i],
			Description:   Describe(d.WeatherCode[i]),
			High:          d.TempMax[i],
			Low:           d.TempMin[i],
			Precipitation: d.Precip[i],
		}
		if i < len(d.PrecipProb) && d.PrecipProb[i] != nil {
			day.PrecipChance = *d.PrecipProb[i]
		}
		f.Days = append(f.Days, day)
	}
	return f, nil
}

func (c *Client) baseParams(p Place) url.Values {
	params := url.Values{
		"latitude":  {strconv.FormatFloat(p.Latitude, 'f', 4, 64)},
		"longitude": {strconv.FormatFloat(p.Longitude, 'f', 4, 64)},
		"timezone":  {"auto"},
	}
	if c.imperial {
		params.Set("temperature_unit", "fahrenheit")
		params.Set("wind_speed_unit", "mph")
		params.Set("precipitation_unit", "inch")
	}
	return params
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// String renders current conditions for chat.
func (cur *Current) String() string {
	return fmt.Sprintf("%s: %s\nTemperature: %.1f%s (feels like %.1f%s)\nHumidity: %.0f%%\nWind: %.1f %s",
		cur.Place, cur.Description,
		cur.Temperature, cur.TempUnit,
		cur.FeelsLike, cur.TempUnit,
		cur.Humidity,
		cur.WindSpeed, cur.WindUnit,
	)
}

// String renders the forecast for chat.
func (f *Forecast) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s, %d-day forecast:", f.Place, len(f.Days))
	for _, d := range f.Days {
		fmt.Fprintf(&sb, "\n%s: %s, high %.1f%s, low %.1f%s, precipitation %.1f (%.0f%% chance)",
			d.Date, d.Description, d.High, f.TempUnit, d.Low, f.TempUnit, d.Precipitation, d.PrecipChance)
	}
	return sb.String()
}
