/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

// Client side API client calls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
)

type ApiClient struct {
	Name       string
	Client     *http.Client
	BaseUrl    string
	apiKey     string
	Authmethod string
	Verbose    bool
	Debug      bool
}

func NewClient(name, baseurl, apikey, authmethod, rootcafile string) *ApiClient {
	api := ApiClient{
		Name:       name,
		BaseUrl:    baseurl,
		apiKey:     apikey,
		Authmethod: authmethod,
	}

	if rootcafile == "insecure" {
		api.Client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
		}
	} else {
		rootCAPool := x509.NewCertPool()
		rootCA, err := os.ReadFile(rootcafile)
		if err != nil {
			log.Fatalf("reading cert failed : %v", err)
		}

		rootCAPool.AppendCertsFromPEM(rootCA)

		api.Client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs: rootCAPool,
				},
			},
		}
	}
	api.Debug = Globals.Debug
	api.Verbose = Globals.Verbose

	if api.Debug {
		fmt.Printf("Setting up %s API client:\n", name)
		fmt.Printf("* baseurl is: %s \n* authmethod is: %s \n",
			api.BaseUrl, api.Authmethod)
	}

	return &api
}

func (api *ApiClient) requestHelper(req *http.Request) (int, []byte, error) {

	req.Header.Add("Content-Type", "application/json")

	if api.Authmethod == "" {
		// do not add any authentication header at all
	} else if api.Authmethod == "X-API-Key" {
		req.Header.Add("X-API-Key", api.apiKey)
	} else if api.Authmethod == "Authorization" {
		req.Header.Add("Authorization", fmt.Sprintf("token %s", api.apiKey))
	} else {
		log.Printf("Error: Client API Post: unknown auth method: %s. Aborting.\n",
			api.Authmethod)
		return 501, []byte{}, fmt.Errorf("unknown auth method: %s", api.Authmethod)
	}

	if api.apiKey == "" {
		log.Fatalf("api.requestHelper: Error: apikey not set.\n")
	}

	resp, err := api.Client.Do(req)

	if err != nil {
		return 501, nil, err
	}

	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if api.Debug {
		var prettyJSON bytes.Buffer
		error := json.Indent(&prettyJSON, buf, "", "  ")
		if error != nil {
			log.Println("JSON parse error: ", error)
		}
		fmt.Printf("requestHelper: received %d bytes of response data:\n%s\n", len(buf),
			prettyJSON.String())
	}

	return resp.StatusCode, buf, err
}

func (api *ApiClient) Post(endpoint string, data []byte) (int, []byte, error) {

	if api.Debug {
		var prettyJSON bytes.Buffer
		error := json.Indent(&prettyJSON, data, "", "  ")
		if error != nil {
			log.Println("JSON parse error: ", error)
		}
		fmt.Printf("api.Post: posting to URL '%s' %d bytes of data:\n%s\n",
			api.BaseUrl+endpoint, len(data), prettyJSON.String())
	}

	req, err := http.NewRequest(http.MethodPost, api.BaseUrl+endpoint, bytes.NewReader(data))
	if err != nil {
		return 501, nil, err
	}
	return api.requestHelper(req)
}
