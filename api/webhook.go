/*
Copyright 2025 Lessonbook Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lessonbook/lessonbook/internal/apierror"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Provider-Signature"

// PaymentWebhook receives settlement callbacks from the payment provider.
// The raw body is read before any JSON decoding because the signature covers
// the exact bytes sent.
func (a Api) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	err = a.lessonbook.ProcessProviderWebhook(c.Request.Context(), body, c.GetHeader(SignatureHeader))
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook processed"})
}
