package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Trend is a trending topic discovered by the pipeline.
//
// tweet_count arrives either as a number or as display text such as
// "12.5K posts". Integers (also when quoted) land in TweetCount; any other
// text is kept in TweetCountText and written back unchanged.
type Trend struct {
	Name           string `json:"name"`
	Rank           int    `json:"rank,omitempty"`
	URL            string `json:"url,omitempty"`
	TweetCount     int    `json:"tweet_count"`
	TweetCountText string `json:"-"`
}

// trendFields has the same layout without the custom codec.
type trendFields Trend

// UnmarshalJSON accepts tweet_count as a number, a string or null.
func (t *Trend) UnmarshalJSON(b []byte) error {
	var f struct {
		trendFields
		TweetCount json.RawMessage `json:"tweet_count"`
		Rank       json.RawMessage `json:"rank"`
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	out := Trend(f.trendFields)
	out.TweetCount, out.TweetCountText = parseCount(f.TweetCount)
	out.Rank, _ = parseCount(f.Rank)
	*t = out
	return nil
}

// MarshalJSON writes tweet_count in the form it was received.
func (t Trend) MarshalJSON() ([]byte, error) {
	var count any = t.TweetCount
	if t.TweetCountText != "" {
		count = t.TweetCountText
	}
	return json.Marshal(struct {
		trendFields
		TweetCount any `json:"tweet_count"`
	}{trendFields(t), count})
}

// Volume describes the tweet count for display.
func (t Trend) Volume() string {
	if t.TweetCountText != "" {
		return t.TweetCountText
	}
	return fmt.Sprintf("%d tweets", t.TweetCount)
}

// parseCount reads a JSON number or string. Values that are not an
// integer come back as text.
func parseCount(raw json.RawMessage) (int, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, ""
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, string(raw)
		}
	} else {
		text = string(raw)
	}
	text = strings.TrimSpace(text)
	if n, err := strconv.Atoi(strings.ReplaceAll(text, ",", "")); err == nil {
		return n, ""
	}
	return 0, text
}

// TweetAuthor describes the author of a searched tweet.
type TweetAuthor struct {
	UserName   string `json:"userName"`
	Name       string `json:"name"`
	IsVerified bool   `json:"isVerified"`
	Followers  int    `json:"followers"`
	Following  int    `json:"following"`
}

// Tweet is one search result gathered for the selected topic.
type Tweet struct {
	Text         string      `json:"text"`
	Source       string      `json:"source,omitempty"`
	RetweetCount int         `json:"retweetCount"`
	ReplyCount   int         `json:"replyCount"`
	LikeCount    int         `json:"likeCount"`
	QuoteCount   int         `json:"quoteCount"`
	ViewCount    int         `json:"viewCount"`
	CreatedAt    string      `json:"createdAt,omitempty"`
	Lang         string      `json:"lang,omitempty"`
	IsReply      bool        `json:"isReply"`
	Author       TweetAuthor `json:"author"`
}

// GeneratedImage is an image produced by the image stage.
type GeneratedImage struct {
	IsGenerated   bool   `json:"is_generated"`
	ImageName     string `json:"image_name"`
	LocalFilePath string `json:"local_file_path,omitempty"`
	S3URL         string `json:"s3_url,omitempty"`
}

// UserConfig holds optional per-job model overrides.
type UserConfig struct {
	GeminiModel         string `json:"gemini_model,omitempty"`
	OpenRouterModel     string `json:"openrouter_model,omitempty"`
	TrendsCount         int    `json:"trends_count,omitempty" validate:"omitempty,min=1,max=50"`
	TrendsWOEID         int    `json:"trends_woeid,omitempty"`
	MaxTweetsToRetrieve int    `json:"max_tweets_to_retrieve,omitempty" validate:"omitempty,min=1"`
	TweetsLanguage      string `json:"tweets_language,omitempty"`
	ContentLanguage     string `json:"content_language,omitempty"`
}

// UserDetails is the profile returned on login.
type UserDetails struct {
	Name       string `json:"name,omitempty"`
	Username   string `json:"username,omitempty"`
	ScreenName string `json:"screen_name,omitempty"`
}

// Handle returns the best available account handle.
func (u UserDetails) Handle() string {
	if u.Username != "" {
		return u.Username
	}
	return u.ScreenName
}

// Output destinations.
const (
	DestinationGetOutputs = "GET_OUTPUTS"
	DestinationPublishX   = "PUBLISH_X"
)

// StartConfig is the job configuration posted to start a pipeline.
type StartConfig struct {
	IsAutonomousMode     bool        `json:"is_autonomous_mode"`
	OutputDestination    string      `json:"output_destination,omitempty" validate:"omitempty,oneof=GET_OUTPUTS PUBLISH_X"`
	HasUserProvidedTopic bool        `json:"has_user_provided_topic"`
	UserProvidedTopic    string      `json:"user_provided_topic,omitempty" validate:"required_if=HasUserProvidedTopic true"`
	XContentType         string      `json:"x_content_type,omitempty" validate:"omitempty,oneof=TWEET_THREAD SINGLE_TWEET"`
	ContentLength        string      `json:"content_length,omitempty" validate:"omitempty,oneof=SHORT MEDIUM LONG"`
	BrandVoice           string      `json:"brand_voice,omitempty"`
	TargetAudience       string      `json:"target_audience,omitempty"`
	UserConfig           *UserConfig `json:"user_config,omitempty"`

	Session     string       `json:"session,omitempty"`
	UserDetails *UserDetails `json:"user_details,omitempty"`
	Proxy       string       `json:"proxy,omitempty"`
}

// Validate checks enum fields and the topic requirement.
func (c StartConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid start config: %w", err)
	}
	return nil
}

// Session is the persisted authentication record.
type Session struct {
	Session     string      `json:"session" validate:"required"`
	UserDetails UserDetails `json:"userDetails"`
	Proxy       string      `json:"proxy"`
}

// Validate checks the session carries a token.
func (s Session) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	return nil
}

// LoginRequest is the single-step login payload.
type LoginRequest struct {
	UserName   string `json:"user_name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	Proxy      string `json:"proxy,omitempty"`
	TOTPSecret string `json:"totp_secret,omitempty"`
}

// Validate checks required credentials are present.
func (r LoginRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid login request: %w", err)
	}
	return nil
}

// StartLoginRequest begins the two-factor login flow.
type StartLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Proxy    string `json:"proxy"`
}

// StartLoginResponse carries the thread that awaits the 2FA code.
type StartLoginResponse struct {
	ThreadID  string          `json:"thread_id"`
	LoginData json.RawMessage `json:"login_data,omitempty"`
}

// CompleteLoginRequest submits the 2FA code for a started login.
type CompleteLoginRequest struct {
	ThreadID  string `json:"thread_id" validate:"required"`
	TwoFACode string `json:"two_fa_code" validate:"required"`
}

// CompleteLoginResponse is returned once the 2FA login succeeds.
type CompleteLoginResponse struct {
	Status      string      `json:"status"`
	Session     string      `json:"session,omitempty"`
	UserDetails UserDetails `json:"user_details"`
	Proxy       string      `json:"proxy,omitempty"`
}

// SessionCredentials are checked by the remote session validator.
type SessionCredentials struct {
	Session string `json:"session"`
	Proxy   string `json:"proxy"`
}
