package iap

import "fmt"

// ResponseCode is a native billing response code as reported by Google Play.
type ResponseCode int

const (
	ResponseCodeOK                 ResponseCode = 0
	ResponseCodeUserCanceled       ResponseCode = 1
	ResponseCodeServiceUnavailable ResponseCode = 2
	ResponseCodeBillingUnavailable ResponseCode = 3
	ResponseCodeItemUnavailable    ResponseCode = 4
	ResponseCodeDeveloperError     ResponseCode = 5
	ResponseCodeError              ResponseCode = 6
	ResponseCodeItemAlreadyOwned   ResponseCode = 7
	ResponseCodeItemNotOwned       ResponseCode = 8
)

var responseDescriptions = map[ResponseCode]string{
	ResponseCodeOK:                 "Success",
	ResponseCodeUserCanceled:       "User pressed back or canceled a dialog",
	ResponseCodeServiceUnavailable: "Network connection is down",
	ResponseCodeBillingUnavailable: "Billing API version is not supported for the type requested",
	ResponseCodeItemUnavailable:    "Requested product is not available for purchase",
	ResponseCodeDeveloperError:     "Invalid arguments provided to the API. This error can also indicate that the application was not correctly signed or properly set up for In-app Billing in Google Play, or does not have the necessary permissions in its manifest",
	ResponseCodeError:              "Fatal error during the API action",
	ResponseCodeItemAlreadyOwned:   "Failure to purchase since item is already owned",
	ResponseCodeItemNotOwned:       "Failure to consume since item is not owned",
}

// Description returns the human-readable cause for the code. It is only meant
// for enriching error messages.
func (c ResponseCode) Description() string {
	desc, ok := responseDescriptions[c]
	if !ok {
		return fmt.Sprintf("Unknown response code %d", int(c))
	}
	return desc
}

func (c ResponseCode) IsError() bool {
	return c != ResponseCodeOK
}
