/*
Copyright 2024-2026 ForgeGuard Technologies Inc

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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/forgeguard/forgeguard"
)

func main() {
	url := os.Getenv("FORGEGUARD_HTTP_ADDRESS")
	if url == "" {
		url = "localhost:8890"
	}
	resp, err := http.DefaultClient.Get(fmt.Sprintf("http://%s/v1/health.check", url))
	if err != nil {
		panic(err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		panic(err)
	}

	var hc forgeguard.HealthCheckResp
	if err := json.Unmarshal(body, &hc); err != nil {
		panic(err)
	}
	if hc.Status != forgeguard.Healthy {
		os.Exit(2)
	}
}
