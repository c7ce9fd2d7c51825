// Package highlight is the out-of-band syntax highlighter contract
// used by YAML and log views: request/response channel protocol only,
// per spec 4.K. Callers fire a request and correlate the reply through
// their own oneshot channel; the service is fire-and-forget from the
// caller's perspective.
package highlight

// Style tags one styled span of text; the rendering vocabulary (colors,
// bold, etc.) belongs to the view layer, not this package.
type Style string

// StyledSpan is one (style, text) pair within a styled line.
type StyledSpan struct {
	Style Style
	Text  string
}

// Result is a successful highlight response.
type Result struct {
	Plain  []string
	Styled [][]StyledSpan
}

// Error reports why a highlight request failed.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "highlight: " + e.Message }

// FullRequest asks for the entire document to be re-highlighted.
type FullRequest struct {
	Lines []string
	Reply chan<- Response
}

// PartialRequest asks for lines starting at Start to be re-highlighted,
// e.g. after a scrollback append, without recomputing earlier lines.
type PartialRequest struct {
	Start int
	Lines []string
	Reply chan<- Response
}

// Response is delivered on a request's own reply channel.
type Response struct {
	Result Result
	Err    *Error
}

// Service receives Full/Partial requests on a single input channel and
// replies on each request's own channel, so callers never block each
// other.
type Service struct {
	requests chan interface{}
	highlighter Highlighter
}

// Highlighter is the pluggable highlighting backend; tests can supply
// a stub that returns Lines verbatim as Plain with no styling.
type Highlighter interface {
	Highlight(lines []string) ([]string, [][]StyledSpan, error)
}

// NewService starts a service goroutine consuming requests with the
// given highlighter backend and buffer depth.
func NewService(h Highlighter, buffer int) *Service {
	s := &Service{requests: make(chan interface{}, buffer), highlighter: h}
	go s.run()
	return s
}

// RequestFull submits a FullRequest.
func (s *Service) RequestFull(lines []string, reply chan<- Response) {
	s.requests <- FullRequest{Lines: lines, Reply: reply}
}

// RequestPartial submits a PartialRequest.
func (s *Service) RequestPartial(start int, lines []string, reply chan<- Response) {
	s.requests <- PartialRequest{Start: start, Lines: lines, Reply: reply}
}

func (s *Service) run() {
	for req := range s.requests {
		switch r := req.(type) {
		case FullRequest:
			s.handle(r.Lines, r.Reply)
		case PartialRequest:
			s.handle(r.Lines, r.Reply)
		}
	}
}

func (s *Service) handle(lines []string, reply chan<- Response) {
	plain, styled, err := s.highlighter.Highlight(lines)
	if err != nil {
		reply <- Response{Err: &Error{Message: err.Error()}}
		return
	}
	reply <- Response{Result: Result{Plain: plain, Styled: styled}}
}

// PlainHighlighter is a no-op Highlighter used when no styling backend
// is configured: it returns each line as-is with no styled spans.
type PlainHighlighter struct{}

func (PlainHighlighter) Highlight(lines []string) ([]string, [][]StyledSpan, error) {
	styled := make([][]StyledSpan, len(lines))
	for i, l := range lines {
		styled[i] = []StyledSpan{{Style: "plain", Text: l}}
	}
	return lines, styled, nil
}
