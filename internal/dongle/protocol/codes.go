package protocol

import "fmt"

// Opcode is a command code in its wire form: 0xFC00 | group<<7 | id. The
// low 7 bits are the command id and bits 7..9 select the command group.
// Status, complete and GATT error events echo the same value.
type Opcode uint16

const (
	cmdBase      = 0xFC00
	groupGeneral = cmdBase | 0<<7
	groupGATT    = cmdBase | 4<<7
	groupGAP     = cmdBase | 5<<7
)

// Dongle commands.
const (
	CmdInitBleStack              Opcode = groupGeneral + 7
	CmdToolDisconnected          Opcode = groupGeneral + 8
	CmdGetRSSI                   Opcode = groupGeneral + 13
	CmdGetTxPowerLevel           Opcode = groupGeneral + 14
	CmdSetTxPowerLevel           Opcode = groupGeneral + 15
	CmdGetBluetoothDeviceAddress Opcode = groupGAP + 2
	CmdGetScanParameters         Opcode = groupGAP + 10
	CmdSetScanParameters         Opcode = groupGAP + 11
	CmdStartScan                 Opcode = groupGAP + 19
	CmdStopScan                  Opcode = groupGAP + 20
	CmdSetLocalDeviceSecurity    Opcode = groupGAP + 13
	CmdSetDeviceIOCapabilities   Opcode = groupGAP + 0
	CmdEstablishConnection       Opcode = groupGAP + 23
	CmdTerminateConnection       Opcode = groupGAP + 24
	CmdInitiatePairingRequest    Opcode = groupGAP + 25
	CmdPairingPasskey            Opcode = groupGAP + 27
	CmdExchangeMTUSize           Opcode = groupGATT + 18

	CmdDiscoverAllPrimaryServices    Opcode = groupGATT + 0
	CmdDiscoverPrimaryServicesByUUID Opcode = groupGATT + 1
	CmdDiscoverAllCharacteristics    Opcode = groupGATT + 3
	CmdDiscoverCharacteristicsByUUID Opcode = groupGATT + 4
	CmdDiscoverAllCharDescriptors    Opcode = groupGATT + 5
	CmdReadCharacteristicValue       Opcode = groupGATT + 6
	CmdReadLongCharacteristicValues  Opcode = groupGATT + 8
	CmdReadCharacteristicDescriptor  Opcode = groupGATT + 14
	CmdWriteWithoutResponse          Opcode = groupGATT + 10
	CmdWriteCharacteristicValue      Opcode = groupGATT + 11
	CmdWriteLongCharacteristicValue  Opcode = groupGATT + 12
	CmdWriteCharacteristicDescriptor Opcode = groupGATT + 16
)

var generalCommands = []string{
	"Get_Device_Id",
	"Get_Supported_Tool_Ver",
	"Get_Firmware_Version",
	"Get_Supported_Gap_Roles",
	"Get_Current_Gap_Role",
	"Get_Supported_Gatt_Roles",
	"Get_Current_Gatt_Role",
	"Init_Ble_Stack",
	"Tool_Disconnected",
	"Host_Timed_Out",
	"Get_Device_Descriptor_Info",
	"Get_Hardware_Version",
	"Get_Ble_Stack_Version",
	"Get_Rssi",
	"Get_TxPowerLevel",
	"Set_TxPowerLevel",
	"Set_HostChannelClassification",
}

var l2capCommands = []string{
	"Register_PSM",
	"Unregister_PSM",
	"CBFC_SendConnectionReq",
	"CBFC_SendConnectionResp",
	"CBFC_SendFlowControlCredit",
	"CBFC_SendData",
	"CBFC_SendDisconnectReq",
}

var gattCommands = []string{
	"Discover_All_Primary_Services",
	"Discover_Primary_Services_By_Uuid",
	"Find_Included_Services",
	"Discover_All_Characteristics",
	"Discover_Characteristics_By_Uuid",
	"Discover_All_Characteristic_Descriptors",
	"Read_Characteristic_Value",
	"Read_Using_Characteristic_Uuid",
	"Read_Long_Characteristic_Values",
	"Read_Multiple_Characteristic_Values",
	"Characteristic_Value_Write_Without_Response",
	"Write_Characteristic_Value",
	"Write_Long_Characteristic_Value",
	"Reliable_Characteristic_Value_Writes",
	"Read_Characteristic_Descriptor",
	"Read_Long_Characteristic_Descriptor",
	"Write_Characteristic_Descriptor",
	"Write_Long_Characteristic_Descriptor",
	"Exchange_GATT_MTU_Size",
	"GATT_Stop",
	"Signed_Write_Without_Response",
	"Execute_Write_Request",
}

var gapCommands = []string{
	"Set_Device_Io_Capabilities",
	"Get_Device_Io_Capabilities",
	"Get_Bluetooth_Device_Address",
	"Set_Bluetooth_Device_Address",
	"Get_Peer_Bluetooth_Device_Address",
	"Get_Peer_Device_Handle",
	"GenerateBd_Addr",
	"Set_Oob_Data",
	"Get_Connection_Parameters",
	"Set_Connection_Parameters",
	"Get_Scan_Parameters",
	"Set_Scan_Parameters",
	"Get_Local_Device_Security",
	"Set_Local_Device_Security",
	"Get_Peer_Device_Security",
	"Get_White_List",
	"Add_Device_To_White_List",
	"Remove_Device_From_White_List",
	"Clear_White_List",
	"Start_Scan",
	"Stop_Scan",
	"Generate_Set_Keys",
	"Set_Authentication_Keys",
	"Establish_Connection",
	"Terminate_Connection",
	"Initiate_Pairing_Request",
	"Set_Identity_Addr",
	"Pairing_PassKey",
	"Update_Connection_Params",
	"Cancel_Connection",
	"Get_Bonded_Devices_By_Rank",
	"UpdateConnectionParam_Resp",
	"Get_PeerDevice_SecurityKeys",
	"Resolve_Set_Peer_Addr",
	"Get_LocalDevSecurityKeys",
	"Get_HostChannelMap",
	"Remove_Device_From_Bond_List",
	"Clear_Bond_List",
	"Set_Conn_Data_Len",
	"Get_Default_Data_Len",
	"Set_Default_Data_Len",
	"Convert_OctetToTime",
	"Get_Resolving_List",
	"Add_Device_To_Resolving_List",
	"Remove_Device_From_Resolving_List",
	"Clear_Resolving_List",
	"Get_Peer_Resolvable_Addr",
	"Get_Local_Resolvable_Addr",
	"Set_Resolvable_Addr_Timeout",
	"Addr_Resolution_Control",
	"GenerateLocalP256PublicKey",
	"SendSecuredConnectionKeyPress",
	"GenerateSecuredConnectionOobData",
}

// Group returns the 3-bit command group.
func (o Opcode) Group() int { return int(o>>7) & 7 }

// ID returns the 7-bit command id within its group.
func (o Opcode) ID() int { return int(o) & 0x7F }

// String names the command using the vendor command tables.
func (o Opcode) String() string {
	var table []string
	switch o.Group() {
	case 0:
		table = generalCommands
	case 2:
		table = l2capCommands
	case 4:
		table = gattCommands
	case 5:
		table = gapCommands
	}
	if id := o.ID(); id < len(table) {
		return fmt.Sprintf("%s(%04X)", table[id], uint16(o))
	}
	return fmt.Sprintf("CMD(%04X)", uint16(o))
}

// EventCode identifies an event received from the dongle.
type EventCode uint16

// Events consumed by the engine.
const (
	EvtCommandStatus      EventCode = 0x047E
	EvtCommandComplete    EventCode = 0x047F
	EvtReportStackMisc    EventCode = 0x0404
	EvtGetRSSIResponse    EventCode = 0x0409
	EvtGetTxPowerResponse EventCode = 0x040C

	EvtDiscoverAllServicesProgress     EventCode = 0x0600
	EvtDiscoverServicesByUUIDProgress  EventCode = 0x0601
	EvtDiscoverAllCharsProgress        EventCode = 0x0603
	EvtDiscoverCharsByUUIDProgress     EventCode = 0x0604
	EvtDiscoverAllDescriptorsProgress  EventCode = 0x0605
	EvtReadCharacteristicValueResponse EventCode = 0x0606
	EvtReadLongCharValueResponse       EventCode = 0x0608
	EvtReadCharDescriptorResponse      EventCode = 0x060A
	EvtCharacteristicValueNotification EventCode = 0x060C
	EvtCharacteristicValueIndication   EventCode = 0x060D
	EvtGattErrorNotification           EventCode = 0x060E
	EvtExchangeMTUSizeResponse         EventCode = 0x060F

	EvtGetBluetoothDeviceAddressResponse EventCode = 0x0681
	EvtGetScanParametersResponse         EventCode = 0x0686
	EvtScanProgressResult                EventCode = 0x068A
	EvtPasskeyEntryRequest               EventCode = 0x068D
	EvtEstablishConnectionResponse       EventCode = 0x068F
	EvtConnectionTerminated              EventCode = 0x0690
	EvtScanStopped                       EventCode = 0x0691
	EvtPairingRequestReceived            EventCode = 0x0692
	EvtAuthenticationError               EventCode = 0x0693
	EvtDataLengthChanged                 EventCode = 0x069D
	EvtEnhancedConnectionComplete        EventCode = 0x06A0
	EvtNegotiatedPairingParameters       EventCode = 0x06A4
)

var eventNames = map[EventCode]string{
	EvtCommandStatus:                     "COMMAND_STATUS",
	EvtCommandComplete:                   "COMMAND_COMPLETE",
	0x0400:                               "GET_DEVICE_ID_RESPONSE",
	0x0401:                               "GET_SUPPORTED_TOOL_VERSION_RESPONSE",
	0x0402:                               "GET_FIRMWARE_VERSION_RESPONSE",
	0x0403:                               "GET_BLE_STACK_VERSION_RESPONSE",
	EvtReportStackMisc:                   "REPORT_STACK_MISC_STATUS",
	EvtGetRSSIResponse:                   "GET_RSSI_RESPONSE",
	0x040B:                               "GET_HARDWARE_VERSION_RESPONSE",
	EvtGetTxPowerResponse:                "GET_TX_POWER_RESPONSE",
	EvtDiscoverAllServicesProgress:       "DISCOVER_ALL_PRIMARY_SERVICES_RESULT_PROGRESS",
	EvtDiscoverServicesByUUIDProgress:    "DISCOVER_PRIMARY_SERVICES_BY_UUID_RESULT_PROGRESS",
	0x0602:                               "FIND_INCLUDED_SERVICES_RESULT_PROGRESS",
	EvtDiscoverAllCharsProgress:          "DISCOVER_ALL_CHARACTERISTICS_RESULT_PROGRESS",
	EvtDiscoverCharsByUUIDProgress:       "DISCOVER_CHARACTERISTICS_BY_UUID_RESULT_PROGRESS",
	EvtDiscoverAllDescriptorsProgress:    "DISCOVER_ALL_CHARACTERISTIC_DESCRIPTORS_RESULT_PROGRESS",
	EvtReadCharacteristicValueResponse:   "READ_CHARACTERISTIC_VALUE_RESPONSE",
	0x0607:                               "READ_USING_CHARACTERISTIC_UUID_RESPONSE",
	EvtReadLongCharValueResponse:         "READ_LONG_CHARACTERISTIC_VALUE_RESPONSE",
	0x0609:                               "READ_MULTIPLE_CHARACTERISTIC_VALUES_RESPONSE",
	EvtReadCharDescriptorResponse:        "READ_CHARACTERISTIC_DESCRIPTOR_RESPONSE",
	0x060B:                               "READ_LONG_CHARACTERISTIC_DESCRIPTOR_RESPONSE",
	EvtCharacteristicValueNotification:   "CHARACTERISTIC_VALUE_NOTIFICATION",
	EvtCharacteristicValueIndication:     "CHARACTERISTIC_VALUE_INDICATION",
	EvtGattErrorNotification:             "GATT_ERROR_NOTIFICATION",
	EvtExchangeMTUSizeResponse:           "EXCHANGE_GATT_MTU_SIZE_RESPONSE",
	0x0610:                               "GATT_STOP_NOTIFICATION",
	0x0611:                               "GATT_TIMEOUT_NOTIFICATION",
	EvtGetBluetoothDeviceAddressResponse: "GET_BLUETOOTH_DEVICE_ADDRESS_RESPONSE",
	0x0684:                               "CURRENT_CONNECTION_PARAMETERS_NOTIFICATION",
	EvtGetScanParametersResponse:         "GET_SCAN_PARAMETERS_RESPONSE",
	EvtScanProgressResult:                "SCAN_PROGRESS_RESULT",
	EvtPasskeyEntryRequest:               "PASSKEY_ENTRY_REQUEST",
	0x068E:                               "PASSKEY_DISPLAY_REQUEST",
	EvtEstablishConnectionResponse:       "ESTABLISH_CONNECTION_RESPONSE",
	EvtConnectionTerminated:              "CONNECTION_TERMINATED_NOTIFICATION",
	EvtScanStopped:                       "SCAN_STOPPED_NOTIFICATION",
	EvtPairingRequestReceived:            "PAIRING_REQUEST_RECEIVED_NOTIFICATION",
	EvtAuthenticationError:               "AUTHENTICATION_ERROR_NOTIFICATION",
	0x0694:                               "CONNECTION_CANCELLED_NOTIFICATION",
	0x0696:                               "UPDATE_CONNECTION_PARAMETERS_NOTIFICATION",
	EvtDataLengthChanged:                 "DATA_LENGTH_CHANGED_NOTIFICATION",
	EvtEnhancedConnectionComplete:        "ENHANCED_CONNECTION_COMPLETE",
	0x06A3:                               "NUMERIC_COMPARISON_REQUEST",
	EvtNegotiatedPairingParameters:       "NEGOTIATED_PAIRING_PARAMETERS",
}

func (e EventCode) String() string {
	if name, ok := eventNames[e]; ok {
		return fmt.Sprintf("%s(%04X)", name, uint16(e))
	}
	return fmt.Sprintf("EVT(%04X)", uint16(e))
}
