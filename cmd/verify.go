package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rielpay/payverify/internal/model"
	"github.com/rielpay/payverify/internal/verify"
)

var (
	verifyOCRFile    string
	verifyImageFile  string
	verifyTenant     string
	verifyMerchant   string
	verifyIssuerHint string
	verifyAmount     float64
	verifyCurrency   string
	verifyRecipients []string
	verifyAccount    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a single payment screenshot from the command line",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		req := verify.Request{
			IssuerHint: verifyIssuerHint,
			TenantID:   verifyTenant,
			MerchantID: verifyMerchant,
			Expected: model.ExpectedPayment{
				Amount:         verifyAmount,
				Currency:       verifyCurrency,
				RecipientNames: verifyRecipients,
				ToAccount:      verifyAccount,
			},
		}

		if verifyOCRFile != "" {
			text, err := os.ReadFile(verifyOCRFile)
			if err != nil {
				return eris.Wrap(err, "read ocr file")
			}
			req.OCRText = string(text)
		}
		if verifyImageFile != "" {
			image, err := os.ReadFile(verifyImageFile)
			if err != nil {
				return eris.Wrap(err, "read image file")
			}
			req.Image = image
			req.ImageMediaType = mediaTypeFor(verifyImageFile)
		}
		if req.OCRText == "" && len(req.Image) == 0 {
			return eris.New("either --ocr-file or --image is required")
		}

		outcome, err := env.Pipeline.Verify(cmd.Context(), req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	},
}

func mediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func init() {
	verifyCmd.Flags().StringVar(&verifyOCRFile, "ocr-file", "", "file containing OCR text of the screenshot")
	verifyCmd.Flags().StringVar(&verifyImageFile, "image", "", "screenshot image file for the vision fallback")
	verifyCmd.Flags().StringVar(&verifyTenant, "tenant", "", "tenant id (required)")
	verifyCmd.Flags().StringVar(&verifyMerchant, "merchant", "", "merchant id")
	verifyCmd.Flags().StringVar(&verifyIssuerHint, "issuer-hint", "", "issuer hint, e.g. bank name from the invoice")
	verifyCmd.Flags().Float64Var(&verifyAmount, "amount", 0, "expected amount")
	verifyCmd.Flags().StringVar(&verifyCurrency, "currency", "KHR", "expected currency")
	verifyCmd.Flags().StringSliceVar(&verifyRecipients, "recipient", nil, "expected recipient name (repeatable)")
	verifyCmd.Flags().StringVar(&verifyAccount, "account", "", "expected destination account")
	_ = verifyCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(verifyCmd)
}
