package util

import (
	"net/http"

	libconstants "github.com/filswan/go-swan-lib/constants"
	"github.com/lagrangedao/go-computing-broker/internal/models"
)

type BasicResponse struct {
	Status    string      `json:"status"`
	Code      int         `json:"code"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	PageInfo  *PageInfo   `json:"page_info,omitempty"`
}

type PageInfo struct {
	PageNumber       string `json:"page_number"`
	PageSize         string `json:"page_size"`
	TotalRecordCount string `json:"total_record_count"`
}

func CreateSuccessResponse(_data interface{}) BasicResponse {
	return BasicResponse{
		Status: libconstants.SWAN_API_STATUS_SUCCESS,
		Data:   _data,
		Code:   SuccessCode,
	}
}

func CreateErrorResponse(code int, errMsg ...string) BasicResponse {
	var msg string
	if len(errMsg) == 0 {
		msg = codeMsg[code]
	} else {
		msg = errMsg[0]
	}
	return BasicResponse{
		Status:  libconstants.SWAN_API_STATUS_FAIL,
		Code:    code,
		Message: msg,
	}
}

// CreateKindResponse maps a typed error to its HTTP status and envelope.
func CreateKindResponse(err error) (int, BasicResponse) {
	kind := models.KindOf(err)
	code, ok := kindStatus[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	resp := CreateErrorResponse(code, err.Error())
	resp.ErrorKind = string(kind)
	return code, resp
}

const (
	SuccessCode = 200
	JsonError   = 400
)

var codeMsg = map[int]string{
	JsonError: "An error occurred while converting to json",
}

var kindStatus = map[models.Kind]int{
	models.KindValidation:               http.StatusBadRequest,
	models.KindNotFound:                 http.StatusNotFound,
	models.KindForbidden:                http.StatusForbidden,
	models.KindInvalidTransition:        http.StatusConflict,
	models.KindConcurrencyConflict:      http.StatusConflict,
	models.KindSettlementUnavailable:    http.StatusServiceUnavailable,
	models.KindSettlementUnknownOutcome: http.StatusAccepted,
	models.KindLedgerInvariant:          http.StatusInternalServerError,
}
