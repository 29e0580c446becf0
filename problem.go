package htrpc

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/raskyld/htrpc/pkg/content"
	"github.com/valyala/fasthttp"
)

const ProblemTypeBlank = "about:blank"

var problemCodec = content.PrettyJSON[Problem]{Mime: content.MimeProblemJSON}

// Problem is an RFC 7807 problem detail. Handlers can return one as an
// error to control the response, clients receive one as an error when
// the server answered with a problem.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// NewProblem returns an `about:blank` problem titled after the reason
// phrase of status.
func NewProblem(status Status) *Problem {
	return &Problem{
		Type:   ProblemTypeBlank,
		Title:  status.Reason(),
		Status: status.Code(),
	}
}

// WithDetail sets a human readable explanation and a unique instance
// identifier, so occurrences can be correlated with server logs.
func (p *Problem) WithDetail(format string, args ...any) *Problem {
	p.Detail = fmt.Sprintf(format, args...)
	p.Instance = uuid.New().URN()
	return p
}

func (p *Problem) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("problem %d %s: %s", p.Status, p.Title, p.Detail)
	}
	return fmt.Sprintf("problem %d %s", p.Status, p.Title)
}

// Is makes problems sent as 400 match `ErrInvalid`.
func (p *Problem) Is(target error) bool {
	return target == ErrInvalid && p.Status == StatusBadRequest.Code()
}

func (p *Problem) write(resp *fasthttp.Response) {
	buf, err := problemCodec.Marshal(*p)
	if err != nil {
		// Problem only holds strings and ints.
		panic(err)
	}

	resp.SetStatusCode(p.Status)
	if status, err := StatusFromCode(p.Status); err == nil {
		resp.Header.SetStatusMessage([]byte(status.Reason()))
	}
	resp.Header.SetContentType(problemCodec.ContentType())
	resp.SetBody(buf)
}

// readProblem returns the problem carried by resp, if any.
func readProblem(resp *fasthttp.Response) (*Problem, bool) {
	if resp.StatusCode() < fasthttp.StatusBadRequest {
		return nil, false
	}

	mime := resp.Header.ContentType()
	if len(mime) < len(content.MimeProblemJSON) || string(mime[:len(content.MimeProblemJSON)]) != content.MimeProblemJSON {
		return nil, false
	}

	p, err := problemCodec.Unmarshal(resp.Body())
	if err != nil || p.Status == 0 {
		p = Problem{
			Type:   ProblemTypeBlank,
			Title:  string(resp.Header.StatusMessage()),
			Status: resp.StatusCode(),
		}
	}
	return &p, true
}

// problemFor maps a handler error to the problem sent to the client.
func problemFor(err error) (*Problem, bool) {
	var p *Problem
	if errors.As(err, &p) {
		return p, true
	}
	if KindOf(err) == KindInvalid {
		return NewProblem(StatusBadRequest).WithDetail("%s", err), true
	}
	return NewProblem(StatusInternalServerError), false
}
