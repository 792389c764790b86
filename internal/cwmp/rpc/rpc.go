// Package rpc defines the CWMP messages exchanged with a device as a
// closed set of Go types.
//
// Messages fall into four families, each a sum type expressed as an
// interface with an unexported marker method:
//
//	ACSRequest   ACS → CPE   GetParameterNames, GetParameterValues, ...
//	CPEResponse  CPE → ACS   GetParameterNamesResponse, ...
//	CPERequest   CPE → ACS   Inform, TransferComplete, GetRPCMethods
//	ACSResponse  ACS → CPE   InformResponse, ...
//
// A device-reported fault is a *Fault. Envelope carries any message over
// the JSON exchange endpoint.
package rpc

import (
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
)

// Message is any CWMP message.
type Message interface {
	// Name returns the CWMP method name, e.g. "GetParameterValues".
	Name() string
}

// ACSRequest is a request sent by the ACS to the device.
type ACSRequest interface {
	Message
	acsRequest()
}

// CPEResponse is the device's answer to an ACSRequest.
type CPEResponse interface {
	Message
	cpeResponse()
}

// CPERequest is a request initiated by the device.
type CPERequest interface {
	Message
	cpeRequest()
}

// ACSResponse is the ACS's answer to a CPERequest.
type ACSResponse interface {
	Message
	acsResponse()
}

// ParameterValue is a name/value pair.
type ParameterValue struct {
	Name  string           `json:"name"`
	Value devicedata.Value `json:"value"`
}

// ParameterInfo is one entry of a GetParameterNamesResponse. Object names
// end with ".".
type ParameterInfo struct {
	Name     string `json:"name"`
	Writable bool   `json:"writable"`
}

// ─── ACS requests ──────────────────────────────────────────────────────

// GetParameterNames lists names under ParameterPath.
type GetParameterNames struct {
	ParameterPath string `json:"parameterPath"`
	NextLevel     bool   `json:"nextLevel"`
}

// GetParameterValues reads leaf values.
type GetParameterValues struct {
	ParameterNames []string `json:"parameterNames"`
}

// SetParameterValues writes leaf values.
type SetParameterValues struct {
	ParameterList []ParameterValue `json:"parameterList"`
	ParameterKey  string           `json:"parameterKey,omitempty"`
}

// AddObject creates an instance under ObjectName (which ends with ".").
type AddObject struct {
	ObjectName   string `json:"objectName"`
	ParameterKey string `json:"parameterKey,omitempty"`
}

// DeleteObject deletes the instance ObjectName (which ends with ".").
type DeleteObject struct {
	ObjectName   string `json:"objectName"`
	ParameterKey string `json:"parameterKey,omitempty"`
}

// Reboot restarts the device.
type Reboot struct {
	CommandKey string `json:"commandKey"`
}

// FactoryReset restores factory defaults.
type FactoryReset struct{}

// Download asks the device to fetch a file.
type Download struct {
	CommandKey     string `json:"commandKey"`
	FileType       string `json:"fileType"`
	URL            string `json:"url"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	FileSize       int64  `json:"fileSize"`
	TargetFileName string `json:"targetFileName,omitempty"`
	DelaySeconds   int    `json:"delaySeconds"`
	SuccessURL     string `json:"successUrl,omitempty"`
	FailureURL     string `json:"failureUrl,omitempty"`
}

func (*GetParameterNames) Name() string  { return "GetParameterNames" }
func (*GetParameterValues) Name() string { return "GetParameterValues" }
func (*SetParameterValues) Name() string { return "SetParameterValues" }
func (*AddObject) Name() string          { return "AddObject" }
func (*DeleteObject) Name() string       { return "DeleteObject" }
func (*Reboot) Name() string             { return "Reboot" }
func (*FactoryReset) Name() string       { return "FactoryReset" }
func (*Download) Name() string           { return "Download" }

func (*GetParameterNames) acsRequest()  {}
func (*GetParameterValues) acsRequest() {}
func (*SetParameterValues) acsRequest() {}
func (*AddObject) acsRequest()          {}
func (*DeleteObject) acsRequest()       {}
func (*Reboot) acsRequest()             {}
func (*FactoryReset) acsRequest()       {}
func (*Download) acsRequest()           {}

// ─── CPE responses ─────────────────────────────────────────────────────

// GetParameterNamesResponse answers GetParameterNames.
type GetParameterNamesResponse struct {
	ParameterList []ParameterInfo `json:"parameterList"`
}

// GetParameterValuesResponse answers GetParameterValues.
type GetParameterValuesResponse struct {
	ParameterList []ParameterValue `json:"parameterList"`
}

// SetParameterValuesResponse answers SetParameterValues.
type SetParameterValuesResponse struct {
	Status int `json:"status"`
}

// AddObjectResponse answers AddObject.
type AddObjectResponse struct {
	InstanceNumber string `json:"instanceNumber"`
	Status         int    `json:"status"`
}

// DeleteObjectResponse answers DeleteObject.
type DeleteObjectResponse struct {
	Status int `json:"status"`
}

// RebootResponse answers Reboot.
type RebootResponse struct{}

// FactoryResetResponse answers FactoryReset.
type FactoryResetResponse struct{}

// DownloadResponse answers Download. Status 0 means the transfer already
// completed; 1 means a TransferComplete will follow.
type DownloadResponse struct {
	Status       int       `json:"status"`
	StartTime    time.Time `json:"startTime"`
	CompleteTime time.Time `json:"completeTime"`
}

func (*GetParameterNamesResponse) Name() string  { return "GetParameterNamesResponse" }
func (*GetParameterValuesResponse) Name() string { return "GetParameterValuesResponse" }
func (*SetParameterValuesResponse) Name() string { return "SetParameterValuesResponse" }
func (*AddObjectResponse) Name() string          { return "AddObjectResponse" }
func (*DeleteObjectResponse) Name() string       { return "DeleteObjectResponse" }
func (*RebootResponse) Name() string             { return "RebootResponse" }
func (*FactoryResetResponse) Name() string       { return "FactoryResetResponse" }
func (*DownloadResponse) Name() string           { return "DownloadResponse" }

func (*GetParameterNamesResponse) cpeResponse()  {}
func (*GetParameterValuesResponse) cpeResponse() {}
func (*SetParameterValuesResponse) cpeResponse() {}
func (*AddObjectResponse) cpeResponse()          {}
func (*DeleteObjectResponse) cpeResponse()       {}
func (*RebootResponse) cpeResponse()             {}
func (*FactoryResetResponse) cpeResponse()       {}
func (*DownloadResponse) cpeResponse()           {}

// ResponseName returns the name of the response expected for req.
func ResponseName(req ACSRequest) string {
	return req.Name() + "Response"
}

// ─── CPE requests ──────────────────────────────────────────────────────

// DeviceID identifies a device in an Inform.
type DeviceID struct {
	Manufacturer string `json:"manufacturer"`
	OUI          string `json:"oui"`
	ProductClass string `json:"productClass,omitempty"`
	SerialNumber string `json:"serialNumber"`
}

// Inform opens a session.
type Inform struct {
	DeviceID      DeviceID         `json:"deviceId"`
	Event         []string         `json:"event"`
	RetryCount    int              `json:"retryCount"`
	CurrentTime   time.Time        `json:"currentTime"`
	ParameterList []ParameterValue `json:"parameterList"`
}

// FaultStruct reports a failed transfer.
type FaultStruct struct {
	FaultCode   string `json:"faultCode"`
	FaultString string `json:"faultString"`
}

// TransferComplete reports the outcome of an earlier Download.
type TransferComplete struct {
	CommandKey   string       `json:"commandKey"`
	FaultStruct  *FaultStruct `json:"faultStruct,omitempty"`
	StartTime    time.Time    `json:"startTime"`
	CompleteTime time.Time    `json:"completeTime"`
}

// GetRPCMethods asks which methods the ACS supports.
type GetRPCMethods struct{}

func (*Inform) Name() string           { return "Inform" }
func (*TransferComplete) Name() string { return "TransferComplete" }
func (*GetRPCMethods) Name() string    { return "GetRPCMethods" }

func (*Inform) cpeRequest()           {}
func (*TransferComplete) cpeRequest() {}
func (*GetRPCMethods) cpeRequest()    {}

// ─── ACS responses ─────────────────────────────────────────────────────

// InformResponse answers Inform.
type InformResponse struct {
	MaxEnvelopes int `json:"maxEnvelopes"`
}

// TransferCompleteResponse answers TransferComplete.
type TransferCompleteResponse struct{}

// GetRPCMethodsResponse answers GetRPCMethods.
type GetRPCMethodsResponse struct {
	MethodList []string `json:"methodList"`
}

func (*InformResponse) Name() string           { return "InformResponse" }
func (*TransferCompleteResponse) Name() string { return "TransferCompleteResponse" }
func (*GetRPCMethodsResponse) Name() string    { return "GetRPCMethodsResponse" }

func (*InformResponse) acsResponse()           {}
func (*TransferCompleteResponse) acsResponse() {}
func (*GetRPCMethodsResponse) acsResponse()    {}

// ACSMethods lists the CPE-initiated methods the ACS answers.
var ACSMethods = []string{"Inform", "GetRPCMethods", "TransferComplete"}

// ─── Faults ────────────────────────────────────────────────────────────

// ParameterFault is a per-parameter SetParameterValues fault.
type ParameterFault struct {
	ParameterName string `json:"parameterName"`
	FaultCode     string `json:"faultCode"`
	FaultString   string `json:"faultString"`
}

// Fault is a CWMP fault reported by the device for the pending request.
type Fault struct {
	FaultCode               string           `json:"faultCode"`
	FaultString             string           `json:"faultString"`
	SetParameterValuesFault []ParameterFault `json:"setParameterValuesFault,omitempty"`
}

// Name implements Message.
func (*Fault) Name() string { return "Fault" }

// InvalidParameterName is the fault code for a name the device does not
// recognize.
const InvalidParameterName = "9005"
