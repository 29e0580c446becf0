package htrpc

import (
	"strconv"

	"github.com/valyala/fasthttp"
)

// Status is one of the outcomes a response can carry. The set is closed:
// only the values declared below can be encoded.
type Status uint16

const (
	StatusContinue                    Status = fasthttp.StatusContinue
	StatusSwitchingProtocols          Status = fasthttp.StatusSwitchingProtocols
	StatusProcessing                  Status = fasthttp.StatusProcessing
	StatusOk                          Status = fasthttp.StatusOK
	StatusCreated                     Status = fasthttp.StatusCreated
	StatusAccepted                    Status = fasthttp.StatusAccepted
	StatusNonAuthoritativeInformation Status = fasthttp.StatusNonAuthoritativeInfo
	StatusNoContent                   Status = fasthttp.StatusNoContent
	StatusResetContent                Status = fasthttp.StatusResetContent
	StatusPartialContent              Status = fasthttp.StatusPartialContent
	StatusMultiStatus                 Status = fasthttp.StatusMultiStatus
	StatusAlreadyReported             Status = fasthttp.StatusAlreadyReported
	StatusImUsed                      Status = fasthttp.StatusIMUsed
	StatusMultipleChoices             Status = fasthttp.StatusMultipleChoices
	StatusMovedPermanently            Status = fasthttp.StatusMovedPermanently
	StatusFound                       Status = fasthttp.StatusFound
	StatusSeeOther                    Status = fasthttp.StatusSeeOther
	StatusNotModified                 Status = fasthttp.StatusNotModified
	StatusUseProxy                    Status = fasthttp.StatusUseProxy
	StatusTemporaryRedirect           Status = fasthttp.StatusTemporaryRedirect
	StatusPermanentRedirect           Status = fasthttp.StatusPermanentRedirect
	StatusBadRequest                  Status = fasthttp.StatusBadRequest
	StatusUnauthorized                Status = fasthttp.StatusUnauthorized
	StatusPaymentRequired             Status = fasthttp.StatusPaymentRequired
	StatusForbidden                   Status = fasthttp.StatusForbidden
	StatusNotFound                    Status = fasthttp.StatusNotFound
	StatusMethodNotAllowed            Status = fasthttp.StatusMethodNotAllowed
	StatusNotAcceptable               Status = fasthttp.StatusNotAcceptable
	StatusProxyAuthenticationRequired Status = fasthttp.StatusProxyAuthRequired
	StatusRequestTimeout              Status = fasthttp.StatusRequestTimeout
	StatusConflict                    Status = fasthttp.StatusConflict
	StatusGone                        Status = fasthttp.StatusGone
	StatusLengthRequired              Status = fasthttp.StatusLengthRequired
	StatusPreconditionFailed          Status = fasthttp.StatusPreconditionFailed
	StatusPayloadTooLarge             Status = fasthttp.StatusRequestEntityTooLarge
	StatusUriTooLong                  Status = fasthttp.StatusRequestURITooLong
	StatusUnsupportedMediaType        Status = fasthttp.StatusUnsupportedMediaType
	StatusRangeNotSatisfiable         Status = fasthttp.StatusRequestedRangeNotSatisfiable
	StatusExpectationFailed           Status = fasthttp.StatusExpectationFailed
	StatusImATeapot                   Status = fasthttp.StatusTeapot
	StatusMisdirectedRequest          Status = fasthttp.StatusMisdirectedRequest
	StatusUnprocessableEntity         Status = fasthttp.StatusUnprocessableEntity
	StatusLocked                      Status = fasthttp.StatusLocked
	StatusFailedDependency            Status = fasthttp.StatusFailedDependency
	StatusUpgradeRequired             Status = fasthttp.StatusUpgradeRequired
	StatusUnavailableForLegalReasons  Status = fasthttp.StatusUnavailableForLegalReasons
	StatusInternalServerError         Status = fasthttp.StatusInternalServerError
	StatusNotImplemented              Status = fasthttp.StatusNotImplemented
	StatusBadGateway                  Status = fasthttp.StatusBadGateway
	StatusServiceUnavailable          Status = fasthttp.StatusServiceUnavailable
	StatusGatewayTimeout              Status = fasthttp.StatusGatewayTimeout
	StatusHttpVersionNotSupported     Status = fasthttp.StatusHTTPVersionNotSupported
	StatusVariantAlsoNegotiates       Status = fasthttp.StatusVariantAlsoNegotiates
	StatusInsufficientStorage         Status = fasthttp.StatusInsufficientStorage
	StatusLoopDetected                Status = fasthttp.StatusLoopDetected
	StatusBandwidthLimitExceeded      Status = 509
	StatusNotExtended                 Status = fasthttp.StatusNotExtended
)

type statusInfo struct {
	name   string
	reason string
}

var statusTable = map[Status]statusInfo{
	StatusContinue:                    {"Continue", "Continue"},
	StatusSwitchingProtocols:          {"SwitchingProtocols", "Switching Protocols"},
	StatusProcessing:                  {"Processing", "Processing"},
	StatusOk:                          {"Ok", "OK"},
	StatusCreated:                     {"Created", "Created"},
	StatusAccepted:                    {"Accepted", "Accepted"},
	StatusNonAuthoritativeInformation: {"NonAuthoritativeInformation", "Non-Authoritative Information"},
	StatusNoContent:                   {"NoContent", "No Content"},
	StatusResetContent:                {"ResetContent", "Reset Content"},
	StatusPartialContent:              {"PartialContent", "Partial Content"},
	StatusMultiStatus:                 {"MultiStatus", "Multi-Status"},
	StatusAlreadyReported:             {"AlreadyReported", "Already Reported"},
	StatusImUsed:                      {"ImUsed", "IM Used"},
	StatusMultipleChoices:             {"MultipleChoices", "Multiple Choices"},
	StatusMovedPermanently:            {"MovedPermanently", "Moved Permanently"},
	StatusFound:                       {"Found", "Found"},
	StatusSeeOther:                    {"SeeOther", "See Other"},
	StatusNotModified:                 {"NotModified", "Not Modified"},
	StatusUseProxy:                    {"UseProxy", "Use Proxy"},
	StatusTemporaryRedirect:           {"TemporaryRedirect", "Temporary Redirect"},
	StatusPermanentRedirect:           {"PermanentRedirect", "Permanent Redirect"},
	StatusBadRequest:                  {"BadRequest", "Bad Request"},
	StatusUnauthorized:                {"Unauthorized", "Unauthorized"},
	StatusPaymentRequired:             {"PaymentRequired", "Payment Required"},
	StatusForbidden:                   {"Forbidden", "Forbidden"},
	StatusNotFound:                    {"NotFound", "Not Found"},
	StatusMethodNotAllowed:            {"MethodNotAllowed", "Method Not Allowed"},
	StatusNotAcceptable:               {"NotAcceptable", "Not Acceptable"},
	StatusProxyAuthenticationRequired: {"ProxyAuthenticationRequired", "Proxy Authentication Required"},
	StatusRequestTimeout:              {"RequestTimeout", "Request Timeout"},
	StatusConflict:                    {"Conflict", "Conflict"},
	StatusGone:                        {"Gone", "Gone"},
	StatusLengthRequired:              {"LengthRequired", "Length Required"},
	StatusPreconditionFailed:          {"PreconditionFailed", "Precondition Failed"},
	StatusPayloadTooLarge:             {"PayloadTooLarge", "Payload Too Large"},
	StatusUriTooLong:                  {"UriTooLong", "URI Too Long"},
	StatusUnsupportedMediaType:        {"UnsupportedMediaType", "Unsupported Media Type"},
	StatusRangeNotSatisfiable:         {"RangeNotSatisfiable", "Range Not Satisfiable"},
	StatusExpectationFailed:           {"ExpectationFailed", "Expectation Failed"},
	StatusImATeapot:                   {"ImATeapot", "I'm a teapot"},
	StatusMisdirectedRequest:          {"MisdirectedRequest", "Misdirected Request"},
	StatusUnprocessableEntity:         {"UnprocessableEntity", "Unprocessable Entity"},
	StatusLocked:                      {"Locked", "Locked"},
	StatusFailedDependency:            {"FailedDependency", "Failed Dependency"},
	StatusUpgradeRequired:             {"UpgradeRequired", "Upgrade Required"},
	StatusUnavailableForLegalReasons:  {"UnavailableForLegalReasons", "Unavailable For Legal Reasons"},
	StatusInternalServerError:         {"InternalServerError", "Internal Server Error"},
	StatusNotImplemented:              {"NotImplemented", "Not Implemented"},
	StatusBadGateway:                  {"BadGateway", "Bad Gateway"},
	StatusServiceUnavailable:          {"ServiceUnavailable", "Service Unavailable"},
	StatusGatewayTimeout:              {"GatewayTimeout", "Gateway Timeout"},
	StatusHttpVersionNotSupported:     {"HttpVersionNotSupported", "HTTP Version Not Supported"},
	StatusVariantAlsoNegotiates:       {"VariantAlsoNegotiates", "Variant Also Negotiates"},
	StatusInsufficientStorage:         {"InsufficientStorage", "Insufficient Storage"},
	StatusLoopDetected:                {"LoopDetected", "Loop Detected"},
	StatusBandwidthLimitExceeded:      {"BandwidthLimitExceeded", "Bandwidth Limit Exceeded"},
	StatusNotExtended:                 {"NotExtended", "Not Extended"},
}

var statusByName = func() map[string]Status {
	m := make(map[string]Status, len(statusTable))
	for status, info := range statusTable {
		m[info.name] = status
	}
	return m
}()

// StatusFromCode returns the `Status` for an HTTP status code, codes
// outside of the table are invalid.
func StatusFromCode(code int) (Status, error) {
	if code < 0 || code > 0xFFFF {
		return 0, invalidf("codec: unknown HTTP status code %d", code)
	}
	status := Status(code)
	if _, ok := statusTable[status]; !ok {
		return 0, invalidf("codec: unknown HTTP status code %d", code)
	}
	return status, nil
}

// ParseStatus returns the `Status` whose name is name, e.g. "NotFound".
func ParseStatus(name string) (Status, error) {
	status, ok := statusByName[name]
	if !ok {
		return 0, invalidf("codec: unknown HTTP status %q", name)
	}
	return status, nil
}

// Valid reports whether the status belongs to the table.
func (s Status) Valid() bool {
	_, ok := statusTable[s]
	return ok
}

func (s Status) Code() int {
	return int(s)
}

// Reason is the canonical reason phrase, empty for unknown statuses.
func (s Status) Reason() string {
	return statusTable[s].reason
}

func (s Status) String() string {
	if info, ok := statusTable[s]; ok {
		return info.name
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}
