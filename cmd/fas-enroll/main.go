// fas-enroll registers an employee face against a running daemon, posting
// the image through the admin API.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "daemon base URL")
	employeeID := flag.String("id", "", "employee id (required)")
	name := flag.String("name", "", "display name")
	imagePath := flag.String("image", "", "path to face image (required)")
	flag.Parse()

	if *employeeID == "" || *imagePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	imageBytes, err := os.ReadFile(*imagePath)
	if err != nil {
		log.Fatalf("read image: %v", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	writer.WriteField("employee_id", *employeeID)
	writer.WriteField("name", *name)
	part, err := writer.CreateFormFile("file", "face.jpg")
	if err != nil {
		log.Fatalf("form: %v", err)
	}
	if _, err := part.Write(imageBytes); err != nil {
		log.Fatalf("form write: %v", err)
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, *baseURL+"/api/v1/identities", &buf)
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("enroll request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s\n", resp.Status, bytes.TrimSpace(body))
}
